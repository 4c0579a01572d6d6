package httpmodel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"threatscope/pkg/models"
)

func TestPredictProbability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("missing header")
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Features) != models.FeatureCount || req.FeatureNames[2] != "bytes_transferred_1h" {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Features[2] != 1234 {
			t.Errorf("expected bytes feature, got %v", req.Features[2])
		}
		_, _ = w.Write([]byte(`{"probability":0.93}`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "k"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := c.PredictProbability(context.Background(), models.FeatureVector{BytesTransferred1h: 1234})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p != 0.93 {
		t.Fatalf("expected 0.93, got %v", p)
	}
}

func TestErrorResponses(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		},
		"missing": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, h := range cases {
		srv := httptest.NewServer(h)
		c, _ := New(Config{URL: srv.URL})
		if _, err := c.PredictProbability(context.Background(), models.FeatureVector{}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		srv.Close()
	}
}

func TestContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(Config{URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.PredictProbability(ctx, models.FeatureVector{}); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
