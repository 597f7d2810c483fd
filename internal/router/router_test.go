package router

import "testing"

func testConfig() Config {
	return Config{
		APIPrefix: "/api/v1",
		Routes: map[RouteKey]Route{
			{Method: "POST", Path: "/message/send"}: {CmdID: 2001, ServiceName: "messaging"},
			{Method: "GET", Path: "/message/list"}:  {CmdID: 2002, ServiceName: "messaging"},
		},
		Services: map[string]Service{
			"messaging": {Name: "messaging", Endpoint: "messaging:9001", TimeoutMs: 3000, CmdRangeLo: 2000, CmdRangeHi: 2999},
			"profile":   {Name: "profile", Endpoint: "profile:9002", TimeoutMs: 3000, CmdRangeLo: 3000, CmdRangeHi: 3999},
		},
	}
}

func TestResolveReqRespDeterminism(t *testing.T) {
	r := New(testConfig())

	for i := 0; i < 5; i++ {
		route, ok := r.ResolveReqResp("post", "/api/v1/message/send")
		if !ok {
			t.Fatalf("expected route to resolve")
		}
		if route.CmdID != 2001 || route.ServiceName != "messaging" {
			t.Fatalf("unexpected route: %+v", route)
		}
	}
}

func TestResolveReqRespMiss(t *testing.T) {
	r := New(testConfig())
	if _, ok := r.ResolveReqResp("GET", "/api/v1/no/such/path"); ok {
		t.Fatalf("expected miss")
	}
	if _, ok := r.ResolveReqResp("GET", "/message/list"); ok {
		t.Fatalf("expected miss when api_prefix is absent from path")
	}
}

func TestResolveServiceByCmd(t *testing.T) {
	r := New(testConfig())
	svc, ok := r.ResolveServiceByCmd(2001)
	if !ok || svc.Name != "messaging" {
		t.Fatalf("expected messaging service, got %+v ok=%v", svc, ok)
	}
	if _, ok := r.ResolveServiceByCmd(9999); ok {
		t.Fatalf("expected no service for out-of-range cmd_id")
	}
}

func TestReloadIsAtomicSnapshot(t *testing.T) {
	r := New(testConfig())
	newCfg := testConfig()
	newCfg.Services["messaging"] = Service{Name: "messaging", Endpoint: "messaging-v2:9001", CmdRangeLo: 2000, CmdRangeHi: 2999}
	r.Reload(newCfg)

	svc, ok := r.ResolveServiceByCmd(2001)
	if !ok || svc.Endpoint != "messaging-v2:9001" {
		t.Fatalf("expected reloaded endpoint, got %+v", svc)
	}
}
