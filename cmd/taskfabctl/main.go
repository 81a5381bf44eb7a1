// Command taskfabctl is an operator convenience CLI for submitting tasks
// to, and checking status against, a running taskfabric server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "taskfabric server base URL")
	secret := flag.String("secret", "", "cascade shared secret, for resume/process-next")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 15 * time.Second}

	var err error
	switch args[0] {
	case "submit":
		err = cmdSubmit(client, *addr, args[1:])
	case "status":
		err = cmdStatus(client, *addr, args[1:])
	case "history":
		err = cmdHistory(client, *addr, args[1:])
	case "resume":
		err = cmdResume(client, *addr, *secret, args[1:])
	case "process-next":
		err = cmdProcessNext(client, *addr, *secret)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "taskfabctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: taskfabctl [-addr url] [-secret token] <command> [args]

commands:
  submit <taskName> <inputJSON>   submit a new task run
  status <taskRunId>              print a task run's status
  history <taskRunId>             print a task run's steps and their status transitions
  resume <stackRunId>             re-trigger the resumption path for a stack run
  process-next                    trigger one scheduler pass`)
}

func cmdSubmit(client *http.Client, addr string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("submit requires a task name")
	}
	taskName := args[0]
	input := json.RawMessage("null")
	if len(args) > 1 {
		input = json.RawMessage(args[1])
	}

	body, _ := json.Marshal(map[string]any{"taskName": taskName, "input": input})
	resp, err := client.Post(addr+"/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func cmdStatus(client *http.Client, addr string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("status requires a task run id")
	}
	resp, err := client.Get(addr + "/status/" + args[0])
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func cmdHistory(client *http.Client, addr string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("history requires a task run id")
	}
	resp, err := client.Get(addr + "/history/" + args[0])
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func cmdResume(client *http.Client, addr, secret string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("resume requires a stack run id")
	}
	body, _ := json.Marshal(map[string]string{"stackRunId": args[0]})
	req, err := http.NewRequest(http.MethodPost, addr+"/internal/resume", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func cmdProcessNext(client *http.Client, addr, secret string) error {
	req, err := http.NewRequest(http.MethodPost, addr+"/internal/process-next", nil)
	if err != nil {
		return err
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, string(data))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	return nil
}
