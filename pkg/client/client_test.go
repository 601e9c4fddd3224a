package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/pipewatch/pkg/api"
	"github.com/psantana5/pipewatch/pkg/client"
	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/manager"
	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/store"
)

func newTestDaemon(t *testing.T, authToken string) *httptest.Server {
	t.Helper()
	log := logging.NewLogger(logging.ERROR, false)
	st := store.NewMemoryStore()
	mgr := manager.New(st, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	handler := api.NewHandler(mgr, st, log)
	router := mux.NewRouter()
	if authToken != "" {
		router.Use(handler.AuthMiddleware(authToken))
	}
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestClientLifecycle(t *testing.T) {
	server := newTestDaemon(t, "")
	c := client.NewClient(server.URL, "")

	if err := c.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}

	created, err := c.CreatePipeline(client.CreateRequest{
		Name:       "quick",
		Engine:     models.EngineExec,
		Binary:     "/bin/sh",
		Args:       []string{"-c", "exit 0"},
		AllowBlock: true,
		Autostart:  true,
	})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created pipeline has no ID")
	}

	reason, err := c.WaitForReason(created.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForReason: %v", err)
	}
	if reason != "normal ending" {
		t.Fatalf("reason = %q, want %q", reason, "normal ending")
	}

	pipelines, err := c.ListPipelines()
	if err != nil {
		t.Fatalf("ListPipelines: %v", err)
	}
	if len(pipelines) != 1 {
		t.Fatalf("len(pipelines) = %d, want 1", len(pipelines))
	}

	status, err := c.GetPipeline(created.ID)
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if status.Pipeline.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want %s", status.Pipeline.Status, models.StatusCompleted)
	}

	events, err := c.GetEvents(created.ID, 50)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}

	daemonStatus, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if daemonStatus.Status != "running" || daemonStatus.Pipelines.Total != 1 {
		t.Fatalf("unexpected daemon status: %+v", daemonStatus)
	}

	if err := c.DeletePipeline(created.ID); err != nil {
		t.Fatalf("DeletePipeline: %v", err)
	}
	pipelines, err = c.ListPipelines()
	if err != nil {
		t.Fatalf("ListPipelines after delete: %v", err)
	}
	if len(pipelines) != 0 {
		t.Fatalf("len(pipelines) = %d, want 0", len(pipelines))
	}
}

func TestClientAuth(t *testing.T) {
	server := newTestDaemon(t, "static-secret")

	unauthed := client.NewClient(server.URL, "bad-token")
	_, err := unauthed.ListPipelines()
	var httpErr *client.StatusError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}

	// Health needs no credentials even with auth enabled.
	if err := unauthed.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}

	operator := client.NewClient(server.URL, "static-secret")
	if _, err := operator.ListPipelines(); err != nil {
		t.Fatalf("ListPipelines with static token: %v", err)
	}

	token, err := operator.CreateToken("cli-test", time.Hour)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	session := client.NewClient(server.URL, token)
	session.SetClientName("cli-test")
	if _, err := session.ListPipelines(); err != nil {
		t.Fatalf("ListPipelines with session token: %v", err)
	}
}
