package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewSSRFGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout, 5*1024*1024)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
}

// TestNewSafeClientHasTransport はSafeClientにカスタムTransportが設定されていることをテストする。
func TestNewSafeClientHasTransport(t *testing.T) {
	guard := NewSSRFGuard()
	client := guard.NewSafeClient(5*time.Second, 5*1024*1024)

	if client.Transport == nil {
		t.Fatal("expected custom Transport to be set, got nil")
	}
	if client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport, got http.DefaultTransport")
	}
}

// TestNewSafeClientBlocksLoopback は接続時のアドレス検証でループバックがブロックされることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、事前検証を経ずに接続してもsafeurlが拒否する。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewSSRFGuard()
	client := guard.NewSafeClient(5*time.Second, 5*1024*1024)

	resp, err := client.Get(ts.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestGuardRejection_DialTimeBlocks は接続時に遮断されたリクエストが再試行不可の拒否として扱われることをテストする。
// 遮断はダイアル直前に行われるため、実際の通信は発生しない。
func TestGuardRejection_DialTimeBlocks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"metadata address", "http://169.254.169.254/latest/meta-data/"},
		{"private address", "http://10.0.0.1/"},
		{"loopback on allowed port", "http://127.0.0.1/"},
		{"disallowed port", ts.URL},
	}

	client := NewSSRFGuard().NewSafeClient(2*time.Second, 1024)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, tt.url, nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				t.Fatal("expected dial-time rejection, got nil")
			}

			rej, ok := GuardRejection(err)
			if !ok {
				t.Fatalf("GuardRejection(%v) = false, want true", err)
			}
			if rej.Reason != ReasonBlockedAddress {
				t.Errorf("reason = %s, want %s", rej.Reason, ReasonBlockedAddress)
			}
			if rej.Retryable() {
				t.Error("接続時の遮断は再試行不可であるべき")
			}
			if reason, ok := ReasonOf(rej); !ok || reason != ReasonBlockedAddress {
				t.Errorf("ReasonOf() = %s, %v", reason, ok)
			}
		})
	}
}

// TestGuardRejection_OtherErrors はガード以外のエラーを拒否として扱わないことをテストする。
func TestGuardRejection_OtherErrors(t *testing.T) {
	for _, err := range []error{nil, errors.New("connection refused"), context.DeadlineExceeded} {
		if _, ok := GuardRejection(err); ok {
			t.Errorf("GuardRejection(%v) = true, want false", err)
		}
	}
}

// TestSSRFGuardInterface はSSRFGuardがインターフェースを正しく実装していることをテストする。
func TestSSRFGuardInterface(t *testing.T) {
	var _ SafeClientFactory = NewSSRFGuard()
}
