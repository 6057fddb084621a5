package wsbridge_test

import (
	"net/http"
	"testing"

	"github.com/renbou/wsbridge/wsframe"
)

func Test_WebBridge_ServeHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		header     http.Header
		wantStatus int
	}{
		{
			name:   "websocket upgrade",
			method: http.MethodGet,
			header: http.Header{
				"Connection":             {"Upgrade"},
				"Upgrade":                {"websocket"},
				"Sec-Websocket-Version":  {"13"},
				"Sec-Websocket-Key":      {"dGhlIHNhbXBsZSBub25jZQ=="},
				"Sec-Websocket-Protocol": {wsframe.Subprotocol},
			},
			wantStatus: http.StatusSwitchingProtocols,
		},
		{
			name:   "browser websocket upgrade",
			method: http.MethodGet,
			header: http.Header{
				"Connection":             {"keep-alive, Upgrade"},
				"Upgrade":                {"WebSocket"},
				"Sec-Websocket-Version":  {"13"},
				"Sec-Websocket-Key":      {"dGhlIHNhbXBsZSBub25jZQ=="},
				"Sec-Websocket-Protocol": {wsframe.Subprotocol},
			},
			wantStatus: http.StatusSwitchingProtocols,
		},
		{
			name:       "plain request",
			method:     http.MethodGet,
			header:     http.Header{},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "gRPC-Web request with unsupported content type",
			method:     http.MethodPost,
			header:     http.Header{"Content-Type": {"text/plain"}},
			wantStatus: http.StatusUnsupportedMediaType,
		},
	}

	_, url := mustWebBridge(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			req, err := http.NewRequestWithContext(testContext(t), tt.method, url+"/wsbridge.test.EchoService/Echo", http.NoBody)
			if err != nil {
				t.Fatalf("http.NewRequest() returned non-nil error = %q", err)
			}

			req.Header = tt.header

			// Act
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("http.Client.Do() returned non-nil error = %q", err)
			}

			_ = resp.Body.Close()

			// Assert
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("WebBridge.ServeHTTP() responded with status %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
