package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"tradeswarm/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8090", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start orchestrator in the same monitor process lifecycle")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	agentsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	agentsTable.SetTitle("Agents (F5 refresh, F10 quit)").SetBorder(true)

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Task -> Orchestrator (type: payload): ")
	promptInput.SetBorder(true).SetTitle("Enter = submit task, e.g. risk: {\"pair\":\"ETH/USDC\"}")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tables",
		c.baseURL,
	))

	mainLayout := tview.NewFlex().
		AddItem(agentsTable, 0, 1, false).
		AddItem(tasksTable, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		agents, agentsErr := c.listAgents()
		tasks, tasksErr := c.listTasks()
		app.QueueUpdateDraw(func() {
			if agentsErr != nil {
				agentsTable.Clear()
				agentsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", agentsErr)))
			} else {
				renderAgentsTable(agentsTable, agents)
			}
			if tasksErr != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tasksErr)))
			} else {
				renderTasksTable(tasksTable, tasks)
			}
		})
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Submitting task...")
		promptInput.SetText("")
		go func(input string) {
			if err := c.submitTask(input); err != nil {
				setStatusAsync("Failed to submit task: " + err.Error())
				return
			}
			refresh()
			setStatusAsync("Task submitted")
		}(prompt)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(agentsTable)
				setStatusUI("Focus -> tables")
				return nil
			}
			return event
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(agentsTable)
			setStatusUI("Focus -> tables")
			return nil
		case tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr, orchestratorBinary, dbPath string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, "--addr", addrArg)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/orchestrator", "--addr", addrArg)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderAgentsTable(table *tview.Table, agents []domain.Agent) {
	table.Clear()
	headers := []string{"Agent", "Name", "Type", "Status", "Rep", "Heartbeat"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	for i, a := range agents {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(a.ID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(a.Name, 24)))
		table.SetCell(row, 2, tview.NewTableCell(string(a.Type)))
		table.SetCell(row, 3, tview.NewTableCell(string(a.Status)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", a.Reputation)))
		table.SetCell(row, 5, tview.NewTableCell(a.LastHeartbeat.Format("15:04:05")))
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task) {
	table.Clear()
	headers := []string{"Task", "Status", "Priority", "Assigned", "Retries", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.Priority.String()))
		table.SetCell(row, 3, tview.NewTableCell(shortID(t.AssignedAgent)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", t.Reassignments)))
		table.SetCell(row, 5, tview.NewTableCell(t.UpdatedAt.Format("15:04:05")))
	}
}

// submitTask parses "type: payload" prompts, e.g. `risk: {"pair":"ETH/USDC"}`.
// The payload part is optional.
func (c *client) submitTask(prompt string) error {
	agentType := prompt
	payload := ""
	if idx := strings.Index(prompt, ":"); idx >= 0 {
		agentType = strings.TrimSpace(prompt[:idx])
		payload = strings.TrimSpace(prompt[idx+1:])
	}
	if !domain.ValidAgentType(domain.AgentType(agentType)) {
		return fmt.Errorf("unknown agent type %q", agentType)
	}

	req := map[string]any{
		"required_agents": []string{agentType},
		"priority":        "normal",
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload must be valid json")
		}
		req["payload"] = json.RawMessage(payload)
	}
	return c.postJSON("/tasks", req, nil)
}

func (c *client) listAgents() ([]domain.Agent, error) {
	var out []domain.Agent
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
