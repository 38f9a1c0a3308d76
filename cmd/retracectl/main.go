// Package main provides the retrace control CLI. It talks to a running
// retraced daemon over its unix control socket.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/retracehq/retrace/internal/config"
)

const usage = `Usage: retracectl [flags] <command>

Commands:
  status   Show the running session status
  health   Check daemon liveness
  flush    Force buffered records to durable storage
  rotate   Begin a new storage partition
  stop     Shut the daemon down gracefully
  events   Stream committed records as they land

Flags:
  -socket PATH   Control socket (default: data dir socket)
  -timeout DUR   Request timeout (default 10s)
`

func main() {
	socket := flag.String("socket", "", "Control socket path")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := *socket
	if path == "" {
		path = config.SocketPath()
	}
	client := &http.Client{
		Timeout: *timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		err = get(client, "/status")
	case "health":
		err = get(client, "/healthz")
	case "flush":
		err = post(client, "/api/flush")
	case "rotate":
		err = post(client, "/api/rotate")
	case "stop":
		err = post(client, "/api/stop")
	case "events":
		err = streamEvents(client)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "retracectl: %v\n", err)
		os.Exit(1)
	}
}

func get(client *http.Client, path string) error {
	resp, err := client.Get("http://retraced" + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func post(client *http.Client, path string) error {
	resp, err := client.Post("http://retraced"+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// printResponse pretty-prints a JSON body, falling back to raw output.
func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			body = append(out, '\n')
		}
	}
	os.Stdout.Write(body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

// streamEvents follows the SSE feed until the daemon closes it or the user
// interrupts. The client timeout is disabled for the stream.
func streamEvents(client *http.Client) error {
	client.Timeout = 0
	resp, err := client.Get("http://retraced/api/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fmt.Println(line)
	}
	return scanner.Err()
}
