package network

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultClientConfig(t *testing.T) {
	config := DefaultClientConfig()

	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.DisableKeepAlives {
		t.Error("Expected keep-alives to be enabled")
	}
}

func TestTransferClientConfig(t *testing.T) {
	config := TransferClientConfig()

	if config.Timeout != 0 {
		t.Errorf("Expected no overall timeout for transfers, got %v", config.Timeout)
	}
	if config.ResponseHeaderTimeout != 60*time.Second {
		t.Errorf("Expected 60s header timeout, got %v", config.ResponseHeaderTimeout)
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(&ClientConfig{Timeout: 10 * time.Second, MaxConnsPerHost: 5})

	if client.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", client.Timeout)
	}

	ua, ok := client.Transport.(*userAgentTransport)
	if !ok {
		t.Fatal("Expected user agent transport")
	}
	transport, ok := ua.next.(*http.Transport)
	if !ok {
		t.Fatal("Expected *http.Transport underneath")
	}
	if transport.MaxConnsPerHost != 5 {
		t.Errorf("Expected MaxConnsPerHost 5, got %d", transport.MaxConnsPerHost)
	}
}

func TestNewClientWithNilConfig(t *testing.T) {
	client := NewClient(nil)

	if client.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", client.Timeout)
	}
}

func TestUserAgentHeader(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	resp, err := NewClient(nil).Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if got != UserAgent {
		t.Errorf("Expected User-Agent %q, got %q", UserAgent, got)
	}
}
