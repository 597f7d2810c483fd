package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"github.com/suleymanmyradov/im-gateway/internal/parser"
)

// DispatchFunc is how the gateway façade wires the request/response
// endpoint to the parser and processor without this package importing
// either directly.
type DispatchFunc func(in parser.ReqRespInput) Response

// Response is the JSON shape every request/response call returns.
type Response struct {
	HTTPStatus int
	Code       int32
	// Body is an already-JSON-encoded fragment (e.g. `"ok"` or `{"id":1}`);
	// empty means null.
	Body    string
	ErrMsg  string
}

// RouteSpec is one configured (method, full path) pair to register with the
// underlying rest.Server.
type RouteSpec struct {
	Method string
	Path   string
}

// ReqResp is the request/response endpoint.
type ReqResp struct {
	server *rest.Server
}

func NewReqResp(conf rest.RestConf, routes []RouteSpec, dispatch DispatchFunc) *ReqResp {
	server := rest.MustNewServer(conf, rest.WithCors("*"))

	handler := func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Code: 400, ErrMsg: "failed to read request body"})
			return
		}

		resp := dispatch(parser.ReqRespInput{
			Method:   r.Method,
			Path:     r.URL.Path,
			Headers:  r.Header,
			Query:    r.URL.Query(),
			Body:     body,
			ClientIP: clientIP(r),
		})
		writeJSON(w, resp.HTTPStatus, resp)
	}

	for _, rt := range routes {
		server.AddRoute(rest.Route{
			Method:  rt.Method,
			Path:    rt.Path,
			Handler: handler,
		})
	}

	return &ReqResp{server: server}
}

func (r *ReqResp) Start() {
	logx.Info("request/response transport starting")
	r.server.Start()
}

func (r *ReqResp) Stop() {
	r.server.Stop()
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	if status == 0 {
		status = 200
	}
	payload := struct {
		Code   int32           `json:"code"`
		Body   json.RawMessage `json:"body"`
		ErrMsg string          `json:"err_msg"`
	}{
		Code:   resp.Code,
		ErrMsg: resp.ErrMsg,
	}
	if resp.Body != "" {
		payload.Body = json.RawMessage(resp.Body)
	} else {
		payload.Body = json.RawMessage("null")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logx.Errorf("reqresp: failed to encode response: %v", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	u := &url.URL{Host: addr}
	host := u.Hostname()
	if host == "" {
		return addr, "", nil
	}
	return host, u.Port(), nil
}
