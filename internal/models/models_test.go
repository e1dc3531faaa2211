package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		from, to StreamStatus
		want     bool
	}{
		{StatusIdle, StatusStarting, true},
		{"", StatusStarting, true},
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusError, true},
		{StatusRunning, StatusStopping, true},
		{StatusRunning, StatusError, true},
		{StatusStopping, StatusStopped, true},
		{StatusStopped, StatusStarting, true},
		{StatusError, StatusStarting, true},
		{StatusIdle, StatusRunning, false},
		{StatusStopped, StatusRunning, false},
		{StatusStopping, StatusRunning, false},
		{StatusRunning, StatusStarting, false},
	}
	for _, tc := range testCases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStreamRequestDecodesTaggedSources(t *testing.T) {
	payload := `{
		"streamId": "s1",
		"accountId": "acct",
		"title": "Lofi",
		"loop": true,
		"sources": [
			{"kind": "local-file", "files": [{"location": "/media/a.mp4"}, {"location": "s3://bucket/b.mp4"}]},
			{"kind": "remote-downloaded", "playlistId": "PL1"},
			{"kind": "remote-direct", "playlistId": "PL2"}
		]
	}`
	var req StreamRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(req.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(req.Sources))
	}
	local, ok := req.Sources[0].(LocalFiles)
	if !ok || len(local.Files) != 2 || local.Files[1].Location != "s3://bucket/b.mp4" {
		t.Fatalf("unexpected local source %#v", req.Sources[0])
	}
	if got, ok := req.Sources[1].(RemoteDownloaded); !ok || got.PlaylistID != "PL1" {
		t.Fatalf("unexpected downloaded source %#v", req.Sources[1])
	}
	if got, ok := req.Sources[2].(RemoteDirect); !ok || got.PlaylistID != "PL2" {
		t.Fatalf("unexpected direct source %#v", req.Sources[2])
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"kind":"remote-direct"`) {
		t.Fatalf("expected tagged kind in %s", encoded)
	}
}

func TestStreamRequestRejectsUnknownKind(t *testing.T) {
	var req StreamRequest
	err := json.Unmarshal([]byte(`{"streamId":"s","accountId":"a","title":"t","sources":[{"kind":"torrent"}]}`), &req)
	if err == nil || !strings.Contains(err.Error(), "unknown source kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestStreamRequestValidateListsMissingFields(t *testing.T) {
	err := StreamRequest{}.Validate()
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	for _, field := range []string{"streamId", "accountId", "title", "sources"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %s in %v", field, err)
		}
	}
}

func TestResetRuntimeClearsProcessFields(t *testing.T) {
	pid := 42
	now := time.Now()
	rec := StreamRecord{
		StreamID:         "s1",
		Status:           StatusRunning,
		ProcessID:        &pid,
		ProcessStartedAt: &now,
		LastHeartbeat:    &now,
		IngestURL:        "rtmp://x/y",
		BroadcastID:      "b1",
		Restarts:         2,
	}
	rec.ResetRuntime()
	if rec.ProcessID != nil || rec.ProcessStartedAt != nil || rec.LastHeartbeat != nil || rec.IngestURL != "" || rec.Restarts != 0 {
		t.Fatalf("runtime fields not cleared: %#v", rec)
	}
	if rec.BroadcastID != "b1" {
		t.Fatalf("broadcast id should be kept for auditing")
	}
	if _, ok := rec.HeartbeatAge(now); ok {
		t.Fatal("expected no heartbeat after reset")
	}
}
