package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/console"
	"github.com/urfave/cli/v2"

	"github.com/toddlipcon/hue/internal/httpapi/authmw"
)

// attachCommand is a debug client for operators: it creates a shell on a
// running shellgated server, puts the local terminal into raw mode, and
// relays keystrokes to process_command / output from retrieve_output until
// the operator presses ctrl-d. It exists for manual testing against a live server, not as
// part of the production serving path.
var attachCommand = &cli.Command{
	Name:  "attach",
	Usage: "open an interactive debug session against a running shellgate server",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: "http://localhost:8000", Usage: "shellgate server base URL"},
		&cli.StringFlag{Name: "user", Value: "debug", Usage: "username to authenticate as"},
		&cli.StringFlag{Name: "key-name", Value: "shell", Usage: "configured shell type to open"},
	},
	Action: func(c *cli.Context) error {
		return attach(c.String("addr"), c.String("user"), c.String("key-name"))
	},
}

type attachClient struct {
	base     string
	username string
	tabID    string
	client   *http.Client
}

func (a *attachClient) post(path string, form url.Values) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodPost, a.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(authmw.HeaderName, a.username)
	req.Header.Set("Hue-Instance-ID", a.tabID)

	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func attach(addr, username, keyName string) error {
	a := &attachClient{
		base:     addr,
		username: username,
		tabID:    fmt.Sprintf("attach-%d", time.Now().UnixNano()),
		client:   &http.Client{Timeout: 65 * time.Second},
	}

	created, err := a.post("/shell/create", url.Values{"keyName": {keyName}})
	if err != nil {
		return fmt.Errorf("create shell: %w", err)
	}
	shellID, ok := created["shellId"].(string)
	if !ok {
		return fmt.Errorf("create shell: unexpected response %v", created)
	}

	cur := console.Current()
	defer cur.Reset()
	if err := cur.SetRaw(); err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}

	fmt.Fprintf(cur, "attached to shell %s (ctrl-d to detach)\r\n", shellID)

	go a.pollOutput(cur, shellID)
	return a.readInput(cur, shellID)
}

// pollOutput continuously long-polls retrieve_output for shellID and
// writes whatever comes back to out, until the shell reports it was
// killed or has exited.
func (a *attachClient) pollOutput(out io.Writer, shellID string) {
	offset := 0
	for {
		resp, err := a.post("/shell/retrieve_output", url.Values{
			"numPairs": {"1"},
			"shellId1": {shellID},
			"offset1":  {fmt.Sprint(offset)},
		})
		if err != nil {
			fmt.Fprintf(out, "\r\n[attach: retrieve_output error: %v]\r\n", err)
			return
		}
		entry, ok := resp[shellID].(map[string]any)
		if !ok {
			continue
		}
		if text, ok := entry["output"].(string); ok && text != "" {
			io.WriteString(out, strings.ReplaceAll(text, "\n", "\r\n"))
		}
		if next, ok := entry["nextOffset"].(float64); ok {
			offset = int(next)
		}
		if shellKilled, _ := entry["shellKilled"].(bool); shellKilled {
			fmt.Fprint(out, "\r\n[attach: shell was killed]\r\n")
			return
		}
		if exited, _ := entry["exited"].(bool); exited {
			fmt.Fprint(out, "\r\n[attach: shell exited]\r\n")
			return
		}
	}
}

// readInput relays raw keystrokes from in as process_command submissions,
// line-buffered since the wire protocol sends whole lines, not keystrokes.
func (a *attachClient) readInput(in io.Reader, shellID string) error {
	scanner := bufio.NewScanner(in)
	// The terminal is in raw mode: Enter arrives as '\r' and ctrl-d as a
	// literal 0x04 byte, not as end-of-file.
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		for i, b := range data {
			switch b {
			case '\r', '\n':
				return i + 1, data[:i], nil
			case 0x04:
				return i + 1, nil, bufio.ErrFinalToken
			}
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for scanner.Scan() {
		// The server appends the newline to each submitted line.
		if _, err := a.post("/shell/process_command", url.Values{
			"shellId":    {shellID},
			"lineToSend": {scanner.Text()},
		}); err != nil {
			return fmt.Errorf("submit command: %w", err)
		}
	}
	return scanner.Err()
}
