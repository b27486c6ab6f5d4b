//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("CREW_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func call(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, r)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestTeamsLoaded(t *testing.T) {
	status, data := call(t, http.MethodGet, "/api/teams", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, data)
	}
	var teams []map[string]interface{}
	if err := json.Unmarshal(data, &teams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(teams) == 0 {
		t.Fatal("no teams loaded")
	}
}

func TestWorkflowRun(t *testing.T) {
	status, data := call(t, http.MethodPost, "/api/workflows/standard_analysis/run",
		map[string]string{"task": "State of home battery storage in 2026"})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, data)
	}
	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
		Result struct {
			Summary string `json:"summary"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result.Summary == "" {
		t.Error("empty summary")
	}
	t.Logf("run %s finished %s", out.RunID, out.Status)

	if out.RunID != "" {
		status, data = call(t, http.MethodGet, "/api/runs/"+out.RunID, nil)
		if status != http.StatusOK {
			t.Errorf("run detail: %d %s", status, data)
		}
	}
}

func TestBatchControl(t *testing.T) {
	list := fmt.Sprintf("e2e-%d", time.Now().UnixNano())

	if status, data := call(t, http.MethodPost, "/api/batches/"+list, nil); status != http.StatusCreated {
		t.Fatalf("start: %d %s", status, data)
	}
	if status, _ := call(t, http.MethodPost, "/api/batches/"+list, nil); status != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", status)
	}
	if status, data := call(t, http.MethodGet, "/api/batches/"+list, nil); status != http.StatusOK {
		t.Errorf("status: %d %s", status, data)
	}
	if status, data := call(t, http.MethodDelete, "/api/batches/"+list, nil); status != http.StatusOK {
		t.Errorf("stop: %d %s", status, data)
	}
}
