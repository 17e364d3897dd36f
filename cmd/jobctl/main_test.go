package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestParseEnv(t *testing.T) {
	env, err := parseEnv("FOO=bar, BAZ=qux")
	if err != nil {
		t.Fatalf("parseEnv returned error: %v", err)
	}
	expected := []string{"FOO=bar", "BAZ=qux"}
	if !reflect.DeepEqual(env, expected) {
		t.Fatalf("expected %v, got %v", expected, env)
	}

	if _, err := parseEnv("invalid"); err == nil {
		t.Fatal("expected error for missing '='")
	}

	if env, err := parseEnv("   "); err != nil || env != nil {
		t.Fatalf("expected nil, nil for blank input, got %v, %v", env, err)
	}
}

func TestHandleStartPostsToJobsStartRoute(t *testing.T) {
	var gotPath string
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"class":"echo","goal":"start","state":"running"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, token: "t", http: srv.Client()}
	err := handleStart(context.Background(), client, []string{"echo", "--env", "FOO=bar", "--wait"})
	if err != nil {
		t.Fatalf("handleStart: %v", err)
	}
	if gotPath != "/jobs/echo/start" {
		t.Fatalf("expected path /jobs/echo/start, got %s", gotPath)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected request body")
	}
	if gotAuth != "Bearer t" {
		t.Fatalf("expected auth header, got %q", gotAuth)
	}
}

func TestHandleStartRequiresClassName(t *testing.T) {
	client := &apiClient{baseURL: "http://example.invalid", http: http.DefaultClient}
	if err := handleStart(context.Background(), client, nil); err == nil {
		t.Fatal("expected error when no class name given")
	}
}

func TestHandleStopPostsToJobsStopRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"class":"echo","goal":"stop","state":"waiting"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleStop(context.Background(), client, []string{"echo"}); err != nil {
		t.Fatalf("handleStop: %v", err)
	}
	if gotPath != "/jobs/echo/stop" {
		t.Fatalf("expected path /jobs/echo/stop, got %s", gotPath)
	}
}

func TestHandleEmitRequiresEventName(t *testing.T) {
	client := &apiClient{baseURL: "http://example.invalid", http: http.DefaultClient}
	if err := handleEmit(context.Background(), client, nil); err == nil {
		t.Fatal("expected error when no event name given")
	}
}

func TestHandleEmitPostsToEmitRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleEmit(context.Background(), client, []string{"deploy-complete"}); err != nil {
		t.Fatalf("handleEmit: %v", err)
	}
	if gotPath != "/emit" {
		t.Fatalf("expected path /emit, got %s", gotPath)
	}
}

func TestHandleListPrintsEachJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobs":[{"class":"echo","goal":"start","state":"running"}]}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleList(context.Background(), client); err != nil {
		t.Fatalf("handleList: %v", err)
	}
}

func TestHandleHealthDefaultsToHealthz(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleHealth(context.Background(), client, nil); err != nil {
		t.Fatalf("handleHealth: %v", err)
	}
	if gotPath != "/healthz" {
		t.Fatalf("expected path /healthz, got %s", gotPath)
	}
}

func TestHandleHealthDeepFlag(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleHealth(context.Background(), client, []string{"--deep"}); err != nil {
		t.Fatalf("handleHealth --deep: %v", err)
	}
	if gotPath != "/health/deep" {
		t.Fatalf("expected path /health/deep, got %s", gotPath)
	}
}

func TestRequestSurfacesSupervisorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"ALREADY_STARTED","message":"job already started"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	_, err := client.request(context.Background(), http.MethodPost, "/jobs/echo/start", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
