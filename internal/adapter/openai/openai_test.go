package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kzinmr/askrelay/internal/adapter"
	openaitypes "github.com/kzinmr/askrelay/internal/openai"
	"github.com/kzinmr/askrelay/internal/testutil"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		wantURL string
	}{
		{name: "defaults", cfg: Config{APIKey: "sk-test"}, wantURL: "https://api.openai.com/v1"},
		{name: "custom base url", cfg: Config{APIKey: "sk-test", BaseURL: "http://localhost:8080/v1/"}, wantURL: "http://localhost:8080/v1"},
		{name: "missing key", cfg: Config{}, wantErr: true},
		{name: "blank key", cfg: Config{APIKey: "   "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, adapter.ErrMissingCredential) {
					t.Fatalf("expected ErrMissingCredential, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if a.baseURL != tt.wantURL {
				t.Fatalf("baseURL = %q, want %q", a.baseURL, tt.wantURL)
			}
		})
	}
}

func questionRequest() openaitypes.ChatCompletionRequest {
	return openaitypes.NewQuestionRequest("gpt-3.5-turbo-0613", "You are a helpful legal assistant.", "What is a warranty?", false)
}

func TestCreateCompletion_Success(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "gpt-3.5-turbo-0613" || len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("unexpected request %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-3.5-turbo-0613",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"A promise.\nAbout quality."}}],
			"usage":{"prompt_tokens":20,"completion_tokens":6,"total_tokens":26}}`))
	}))
	defer server.Close()

	a, err := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := a.CreateCompletion(context.Background(), questionRequest())
	if err != nil {
		t.Fatalf("CreateCompletion() error = %v", err)
	}
	if resp.Text() != "A promise.\nAbout quality." {
		t.Fatalf("text = %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 26 || resp.ID != "chatcmpl-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateCompletion_ProviderError(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := a.CreateCompletion(context.Background(), questionRequest())
	pe, ok := adapter.AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %T %v", err, err)
	}
	if pe.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d", pe.Status)
	}
	if !strings.Contains(string(pe.Body), "Rate limit reached") {
		t.Fatalf("body = %s", pe.Body)
	}
	if adapter.IsTransport(err) {
		t.Fatal("provider error must not be classified as transport")
	}
}

func TestCreateCompletion_TransportError(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.NotFoundHandler())
	url := server.URL
	server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: url, RequestTimeout: time.Second})
	_, err := a.CreateCompletion(context.Background(), questionRequest())
	if !adapter.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCreateCompletion_EmptyMessages(t *testing.T) {
	a, _ := New(Config{APIKey: "sk-test"})
	if _, err := a.CreateCompletion(context.Background(), openaitypes.ChatCompletionRequest{Model: "m"}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestCreateCompletion_OrganizationHeader(t *testing.T) {
	var gotOrg string
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg = r.Header.Get("OpenAI-Organization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	a, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL, Organization: "org-42", HTTPClient: server.Client()})
	if _, err := a.CreateCompletion(context.Background(), questionRequest()); err != nil {
		t.Fatalf("CreateCompletion() error = %v", err)
	}
	if gotOrg != "org-42" {
		t.Fatalf("OpenAI-Organization = %q", gotOrg)
	}
}

func TestProviderBody(t *testing.T) {
	if got := string(providerBody(`{"error":{"message":"x"}}`, "")); got != `{"error":{"message":"x"}}` {
		t.Fatalf("envelope kept: %s", got)
	}
	if got := string(providerBody(`{"message":"x"}`, "")); got != `{"error":{"message":"x"}}` {
		t.Fatalf("bare object wrapped: %s", got)
	}
	if got := string(providerBody("", "boom")); got != `{"error":{"message":"boom"}}` {
		t.Fatalf("message fallback: %s", got)
	}
}
