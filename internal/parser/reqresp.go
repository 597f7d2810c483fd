package parser

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/suleymanmyradov/im-gateway/internal/gatewayerr"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
	"github.com/suleymanmyradov/im-gateway/internal/router"
)

var httpSessionCounter atomic.Uint64

// nextHTTPSessionID generates a distinct session id prefix for the
// request/response protocol so it never collides with streaming session ids.
func nextHTTPSessionID() string {
	return fmt.Sprintf("http_%d", httpSessionCounter.Add(1))
}

// ReqRespInput is everything the request/response endpoint extracts from
// an inbound HTTP-like call before handing it to the parser.
type ReqRespInput struct {
	Method    string
	Path      string
	Headers   http.Header
	Query     url.Values
	Body      []byte
	SessionID string
	ClientIP  string
}

// ParseReqResp normalizes one request/response call into a UnifiedMessage,
// resolving its cmd_id via rt.
func (p *Parser) ParseReqResp(in ReqRespInput, rt *router.Router) (*model.UnifiedMessage, error) {
	if in.Path == "" {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "path is required")
	}
	if in.Method == "" {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "method is required")
	}

	prefix := rt.Snapshot().APIPrefix
	if prefix != "" && !strings.HasPrefix(in.Path, prefix) {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, fmt.Sprintf("path must begin with %s", prefix))
	}

	route, ok := rt.ResolveReqResp(in.Method, in.Path)
	if !ok {
		p.Stats.routingFailures.Add(1)
		return nil, gatewayerr.New(gatewayerr.RoutingFailed, fmt.Sprintf("no route for %s %s", in.Method, in.Path))
	}

	token := bearerToken(in.Headers)
	if token == "" {
		token = in.Query.Get("token")
	}

	deviceID := in.Headers.Get("X-Device-ID")
	if deviceID == "" {
		deviceID = in.Query.Get("device_id")
	}

	plat := in.Headers.Get("X-Platform")
	if plat == "" {
		plat = in.Query.Get("platform")
	}

	jsonBody, err := bodyToJSON(in)
	if err != nil {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.Wrap(gatewayerr.DecodeFailed, "failed to normalize request body", err)
	}

	hdr := model.UnifiedHeader{
		Version:   headerVersion,
		Seq:       0,
		CmdID:     route.CmdID,
		Timestamp: uint64(time.Now().UnixMilli()),
		Token:     token,
		DeviceID:  deviceID,
		Platform:  platform.Parse(plat),
	}
	fillFromUIDs(&hdr, jsonBody)

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = nextHTTPSessionID()
	}

	msg := &model.UnifiedMessage{
		Header:   hdr,
		JSONBody: jsonBody,
		SessionCtx: model.SessionContext{
			Protocol:   model.ProtocolReqResp,
			SessionID:  sessionID,
			ClientIP:   in.ClientIP,
			ReceivedAt: time.Now().UTC(),
			Method:     in.Method,
			Path:       in.Path,
			RawBody:    in.Body,
		},
	}
	p.Stats.requestsParsed.Add(1)
	return msg, nil
}

func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// bodyToJSON implements the body policy: a JSON body is passed through
// verbatim for mutating verbs with a JSON content type; otherwise query
// parameters become the JSON object.
func bodyToJSON(in ReqRespInput) ([]byte, error) {
	method := strings.ToUpper(in.Method)
	isMutation := method == "POST" || method == "PUT" || method == "PATCH"
	contentType := in.Headers.Get("Content-Type")

	if isMutation && len(in.Body) > 0 && strings.Contains(contentType, "application/json") {
		if !json.Valid(in.Body) {
			return nil, fmt.Errorf("request body is not valid JSON")
		}
		return in.Body, nil
	}

	obj := make(map[string]any, len(in.Query))
	for k, v := range in.Query {
		if len(v) == 1 {
			obj[k] = v[0]
		} else {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

func fillFromUIDs(hdr *model.UnifiedHeader, jsonBody []byte) {
	if len(jsonBody) == 0 {
		return
	}
	var probe struct {
		FromUID string `json:"from_uid"`
		ToUID   string `json:"to_uid"`
	}
	if err := json.Unmarshal(jsonBody, &probe); err != nil {
		return
	}
	hdr.FromUID = probe.FromUID
	hdr.ToUID = probe.ToUID
}
