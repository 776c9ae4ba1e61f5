// dprtctl is the remote control client for dprtd.
//
// It speaks the dprtd HTTP control API and provides an interactive shell
// for managing pipelines, endpoints, buffers, and tasks.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9781", "dprtd HTTP API address")
	apiKey := flag.String("api-key", "", "API key (sent as X-API-Key)")
	flag.Parse()

	c := &ctl{
		base:   "http://" + *addr,
		apiKey: *apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	// Verify connectivity
	var status map[string]any
	if err := c.get("/api/v1/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "dprtctl: cannot reach dprtd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dprt> ",
		HistoryFile:     "/tmp/dprtctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dprtctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("dprtctl connected to dprtd at %s (env: %v, uptime: %v)\n",
		*addr, status["environment"], status["uptime"])
	fmt.Println("Type 'help' for commands")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = fmt.Errorf("exit")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("status"),
	readline.PcItem("ports"),
	readline.PcItem("pipeline",
		readline.PcItem("list"),
		readline.PcItem("load"),
		readline.PcItem("unload"),
	),
	readline.PcItem("endpoint",
		readline.PcItem("list"),
		readline.PcItem("create"),
		readline.PcItem("start"),
		readline.PcItem("stop"),
	),
	readline.PcItem("buffer",
		readline.PcItem("list"),
		readline.PcItem("create"),
		readline.PcItem("destroy"),
		readline.PcItem("read"),
		readline.PcItem("write"),
	),
	readline.PcItem("task",
		readline.PcItem("list"),
		readline.PcItem("create"),
		readline.PcItem("stop"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

type ctl struct {
	base   string
	apiKey string
	client *http.Client
}

// envelope mirrors the API's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *ctl) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("bad response (%s): %w", resp.Status, err)
	}
	if !env.Success {
		return fmt.Errorf("%s", env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *ctl) get(path string, out any) error      { return c.do("GET", path, nil, out) }
func (c *ctl) post(path string, in, out any) error { return c.do("POST", path, in, out) }
func (c *ctl) delete(path string) error            { return c.do("DELETE", path, nil, nil) }

func (c *ctl) dispatch(line string) error {
	parts := strings.Fields(line)
	switch parts[0] {
	case "exit", "quit":
		return errExit
	case "help", "?":
		printHelp()
		return nil
	case "status":
		return c.showStatus()
	case "ports":
		return c.showPorts()
	case "pipeline":
		return c.pipelineCmd(parts[1:])
	case "endpoint":
		return c.endpointCmd(parts[1:])
	case "buffer":
		return c.bufferCmd(parts[1:])
	case "task":
		return c.taskCmd(parts[1:])
	default:
		return fmt.Errorf("unknown command %q (try 'help')", parts[0])
	}
}

func printHelp() {
	fmt.Print(`Commands:
  status                                       daemon status
  ports                                        list environment ports
  pipeline list                                list loaded pipelines
  pipeline load <name> <spec-path>             load a pipeline
  pipeline unload <handle>                     unload a pipeline
  endpoint list                                list endpoints
  endpoint create <name> <iface> rx|tx         open a port endpoint
  endpoint start <handle>                      start an endpoint
  endpoint stop <handle>                       stop an endpoint
  buffer list                                  list buffers
  buffer create <name> <size>                  allocate a buffer
  buffer destroy <handle>                      free a buffer
  buffer read <handle> <offset> <len>          hex dump buffer bytes
  buffer write <handle> <offset> <hex>         write hex bytes
  task list                                    list tasks with counters
  task create <name> <spec> parser|deparser <endpoint> [buffer] [burst]
  task stop <handle>                           stop a task
  exit                                         quit
`)
}

func (c *ctl) showStatus() error {
	var st map[string]any
	if err := c.get("/api/v1/status", &st); err != nil {
		return err
	}
	fmt.Printf("environment:      %v\n", st["environment"])
	fmt.Printf("uptime:           %v\n", st["uptime"])
	fmt.Printf("pipelines:        %v\n", st["pipelines"])
	fmt.Printf("endpoints:        %v\n", st["endpoints"])
	fmt.Printf("buffers:          %v\n", st["buffers"])
	fmt.Printf("tasks:            %v\n", st["tasks"])
	fmt.Printf("available lcores: %v\n", st["available_lcores"])
	fmt.Printf("pool:             %v/%v free\n", st["pool_available"], st["pool_capacity"])
	if e, ok := st["last_error"]; ok && e != "" {
		fmt.Printf("last error:       %v\n", e)
	}
	return nil
}

func (c *ctl) showPorts() error {
	var ports []struct {
		ID   uint16 `json:"id"`
		Name string `json:"name"`
		MAC  string `json:"mac"`
	}
	if err := c.get("/api/v1/ports", &ports); err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Printf("%3d  %-16s %s\n", p.ID, p.Name, p.MAC)
	}
	return nil
}

func (c *ctl) pipelineCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pipeline list|load|unload")
	}
	switch args[0] {
	case "list":
		var pls []struct {
			Handle   int32  `json:"handle"`
			Name     string `json:"name"`
			SpecPath string `json:"spec_path"`
		}
		if err := c.get("/api/v1/pipelines", &pls); err != nil {
			return err
		}
		for _, p := range pls {
			fmt.Printf("%3d  %-16s %s\n", p.Handle, p.Name, p.SpecPath)
		}
		return nil
	case "load":
		if len(args) != 3 {
			return fmt.Errorf("usage: pipeline load <name> <spec-path>")
		}
		var h struct {
			Handle int32 `json:"handle"`
		}
		if err := c.post("/api/v1/pipelines",
			map[string]any{"name": args[1], "spec_path": args[2]}, &h); err != nil {
			return err
		}
		fmt.Printf("pipeline %d loaded\n", h.Handle)
		return nil
	case "unload":
		if len(args) != 2 {
			return fmt.Errorf("usage: pipeline unload <handle>")
		}
		return c.delete("/api/v1/pipelines/" + args[1])
	default:
		return fmt.Errorf("unknown pipeline command %q", args[0])
	}
}

func (c *ctl) endpointCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: endpoint list|create|start|stop")
	}
	switch args[0] {
	case "list":
		var eps []struct {
			Handle  int32  `json:"handle"`
			Name    string `json:"name"`
			Port    uint16 `json:"port"`
			Rx      bool   `json:"rx"`
			Running bool   `json:"running"`
		}
		if err := c.get("/api/v1/endpoints", &eps); err != nil {
			return err
		}
		for _, e := range eps {
			dir := "tx"
			if e.Rx {
				dir = "rx"
			}
			state := "stopped"
			if e.Running {
				state = "running"
			}
			fmt.Printf("%3d  %-16s port %d  %s  %s\n", e.Handle, e.Name, e.Port, dir, state)
		}
		return nil
	case "create":
		if len(args) != 4 || (args[3] != "rx" && args[3] != "tx") {
			return fmt.Errorf("usage: endpoint create <name> <iface> rx|tx")
		}
		var h struct {
			Handle int32 `json:"handle"`
		}
		if err := c.post("/api/v1/endpoints",
			map[string]any{"name": args[1], "iface": args[2], "rx": args[3] == "rx"}, &h); err != nil {
			return err
		}
		fmt.Printf("endpoint %d created\n", h.Handle)
		return nil
	case "start", "stop":
		if len(args) != 2 {
			return fmt.Errorf("usage: endpoint %s <handle>", args[0])
		}
		return c.post("/api/v1/endpoints/"+args[1]+"/"+args[0], nil, nil)
	default:
		return fmt.Errorf("unknown endpoint command %q", args[0])
	}
}

func (c *ctl) bufferCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: buffer list|create|destroy|read|write")
	}
	switch args[0] {
	case "list":
		var bufs []struct {
			Handle int32  `json:"handle"`
			Name   string `json:"name"`
			Size   int    `json:"size"`
			IOAddr uint64 `json:"io_addr"`
		}
		if err := c.get("/api/v1/buffers", &bufs); err != nil {
			return err
		}
		for _, b := range bufs {
			fmt.Printf("%3d  %-16s %8d bytes  io 0x%x\n", b.Handle, b.Name, b.Size, b.IOAddr)
		}
		return nil
	case "create":
		if len(args) != 3 {
			return fmt.Errorf("usage: buffer create <name> <size>")
		}
		size, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("bad size %q", args[2])
		}
		var h struct {
			Handle int32 `json:"handle"`
		}
		if err := c.post("/api/v1/buffers",
			map[string]any{"name": args[1], "size": size}, &h); err != nil {
			return err
		}
		fmt.Printf("buffer %d created\n", h.Handle)
		return nil
	case "destroy":
		if len(args) != 2 {
			return fmt.Errorf("usage: buffer destroy <handle>")
		}
		return c.delete("/api/v1/buffers/" + args[1])
	case "read":
		if len(args) != 4 {
			return fmt.Errorf("usage: buffer read <handle> <offset> <len>")
		}
		var rd struct {
			Data string `json:"data"`
		}
		path := fmt.Sprintf("/api/v1/buffers/%s/read?offset=%s&len=%s", args[1], args[2], args[3])
		if err := c.get(path, &rd); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(rd.Data)
		if err != nil {
			return err
		}
		fmt.Print(hex.Dump(raw))
		return nil
	case "write":
		if len(args) != 4 {
			return fmt.Errorf("usage: buffer write <handle> <offset> <hex>")
		}
		offset, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("bad offset %q", args[2])
		}
		raw, err := hex.DecodeString(args[3])
		if err != nil {
			return fmt.Errorf("bad hex data: %w", err)
		}
		return c.post("/api/v1/buffers/"+args[1]+"/write",
			map[string]any{"offset": offset, "data": base64.StdEncoding.EncodeToString(raw)}, nil)
	default:
		return fmt.Errorf("unknown buffer command %q", args[0])
	}
}

func (c *ctl) taskCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: task list|create|stop")
	}
	switch args[0] {
	case "list":
		var tasks []struct {
			Handle  int32  `json:"handle"`
			Name    string `json:"name"`
			Lcore   int    `json:"lcore"`
			Parser  bool   `json:"parser"`
			Running bool   `json:"running"`
			Stats   struct {
				Bursts    uint64 `json:"bursts"`
				RxPackets uint64 `json:"rx_packets"`
				Processed uint64 `json:"processed"`
				TxPackets uint64 `json:"tx_packets"`
			} `json:"stats"`
		}
		if err := c.get("/api/v1/tasks", &tasks); err != nil {
			return err
		}
		for _, t := range tasks {
			dir := "deparser"
			if t.Parser {
				dir = "parser"
			}
			state := "stopped"
			if t.Running {
				state = "running"
			}
			fmt.Printf("%3d  %-16s lcore %-3d %-8s %-8s bursts=%d rx=%d proc=%d tx=%d\n",
				t.Handle, t.Name, t.Lcore, dir, state,
				t.Stats.Bursts, t.Stats.RxPackets, t.Stats.Processed, t.Stats.TxPackets)
		}
		return nil
	case "create":
		if len(args) < 5 {
			return fmt.Errorf("usage: task create <name> <spec> parser|deparser <endpoint> [buffer] [burst]")
		}
		if args[3] != "parser" && args[3] != "deparser" {
			return fmt.Errorf("task direction must be parser or deparser")
		}
		endpoint, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("bad endpoint handle %q", args[4])
		}
		buffer := -1
		if len(args) > 5 {
			if buffer, err = strconv.Atoi(args[5]); err != nil {
				return fmt.Errorf("bad buffer handle %q", args[5])
			}
		}
		burst := 0
		if len(args) > 6 {
			if burst, err = strconv.Atoi(args[6]); err != nil {
				return fmt.Errorf("bad burst %q", args[6])
			}
		}
		var h struct {
			Handle int32 `json:"handle"`
		}
		if err := c.post("/api/v1/tasks", map[string]any{
			"name": args[1], "spec_path": args[2], "parser": args[3] == "parser",
			"endpoint": endpoint, "buffer": buffer, "burst": burst,
		}, &h); err != nil {
			return err
		}
		fmt.Printf("task %d created\n", h.Handle)
		return nil
	case "stop":
		if len(args) != 2 {
			return fmt.Errorf("usage: task stop <handle>")
		}
		return c.post("/api/v1/tasks/"+args[1]+"/stop", nil, nil)
	default:
		return fmt.Errorf("unknown task command %q", args[0])
	}
}
