package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Nuka Crew server URL")
	workflow := flag.String("workflow", "standard_analysis", "Workflow used for plain input")
	flag.Parse()

	fmt.Println("Nuka Crew CLI")
	fmt.Printf("Server: %s | Workflow: %s\n", *server, *workflow)
	fmt.Println("Type 'exit' or 'quit' to leave. Plain input runs the workflow.")
	fmt.Println("Commands: /teams, /batches, /start <list>, /stop <list>, /status <list>, /cycle <list>, /team <name> <task>")
	fmt.Println("---")

	c := &client{server: *server, http: &http.Client{Timeout: 15 * time.Minute}}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if !strings.HasPrefix(input, "/") {
			c.run("/api/workflows/"+*workflow+"/run", input)
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/teams":
			c.teams()
		case "/batches":
			c.show(http.MethodGet, "/api/batches")
		case "/start":
			c.show(http.MethodPost, "/api/batches/"+arg)
		case "/stop":
			c.show(http.MethodDelete, "/api/batches/"+arg)
		case "/status":
			c.show(http.MethodGet, "/api/batches/"+arg)
		case "/cycle":
			c.show(http.MethodPost, "/api/batches/"+arg+"/cycle")
		case "/team":
			name, task, ok := strings.Cut(arg, " ")
			if !ok {
				printError("usage: /team <name> <task>")
				continue
			}
			c.run("/api/teams/"+name+"/run", task)
		default:
			printError("unknown command %s", cmd)
		}
	}
}

type client struct {
	server string
	http   *http.Client
}

func (c *client) do(method, path string, body []byte) ([]byte, bool) {
	req, err := http.NewRequest(method, c.server+path, bytes.NewReader(body))
	if err != nil {
		printError("Bad request: %v", err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return nil, false
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return nil, false
	}
	return data, true
}

// show prints the indented JSON response.
func (c *client) show(method, path string) {
	data, ok := c.do(method, path, nil)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func (c *client) teams() {
	data, ok := c.do(http.MethodGet, "/api/teams", nil)
	if !ok {
		return
	}
	var teams []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &teams); err != nil {
		printError("Failed to parse teams: %v", err)
		return
	}
	fmt.Println("Available teams:")
	for _, t := range teams {
		fmt.Printf("  %s (%s)\n", t.Name, t.Description)
	}
}

func (c *client) run(path, task string) {
	body, _ := json.Marshal(map[string]string{"task": task})
	data, ok := c.do(http.MethodPost, path, body)
	if !ok {
		return
	}
	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
		Result struct {
			Summary string            `json:"summary"`
			Errors  map[string]string `json:"errors"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	fmt.Printf("\033[36m[%s]\033[0m run %s\n", out.Status, out.RunID)
	fmt.Println(out.Result.Summary)
	for team, msg := range out.Result.Errors {
		fmt.Printf("\033[31m%s: %s\033[0m\n", team, msg)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
