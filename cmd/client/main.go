// Command client is a thin formatter around the master's HTTP API.
// Exit codes: 0 success, 1 client error, 2 job ended FAILED.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sparkmini/sparkmini/internal/client"
	"github.com/sparkmini/sparkmini/internal/dag"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

const (
	exitOK        = 0
	exitClientErr = 1
	exitJobFailed = 2

	pollInterval = 500 * time.Millisecond
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitClientErr
	}

	masterURL := os.Getenv("MASTER_URL")
	if masterURL == "" {
		masterURL = "http://localhost:8080"
	}
	c := client.New(masterURL)

	switch args[0] {
	case "submit":
		return submit(c, args[1:])
	case "word-count":
		return wordCount(c, args[1:])
	case "join":
		return join(c, args[1:])
	case "status":
		return status(c, args[1:])
	case "results":
		return results(c, args[1:])
	case "workers":
		return workers(c)
	default:
		usage()
		return exitClientErr
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  client submit <name> -dag <file.json> -input <glob> -output <dir> [-parallelism N]
  client word-count <name> -input <glob> -output <dir> [-parallelism N]
  client join <left_glob> <right_glob> -key <field> -output <dir> [-parallelism N]
  client status <job_id>
  client results <job_id>
  client workers`)
}

func submit(c *client.Client, args []string) int {
	if len(args) < 1 {
		usage()
		return exitClientErr
	}
	name := args[0]

	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	dagFile := fs.String("dag", "", "path to DAG json file")
	input := fs.String("input", "", "input glob")
	output := fs.String("output", "", "output directory")
	parallelism := fs.Int("parallelism", 1, "tasks per stage")
	if err := fs.Parse(args[1:]); err != nil {
		return exitClientErr
	}
	if *dagFile == "" || *output == "" {
		usage()
		return exitClientErr
	}

	data, err := os.ReadFile(*dagFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}
	var graph dag.Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		fmt.Fprintln(os.Stderr, "error parsing dag:", err)
		return exitClientErr
	}

	return submitAndWait(c, protocol.SubmitJobRequest{
		Name:        name,
		Dag:         graph,
		Parallelism: *parallelism,
		InputGlob:   *input,
		OutputDir:   *output,
	})
}

func wordCount(c *client.Client, args []string) int {
	if len(args) < 1 {
		usage()
		return exitClientErr
	}
	name := args[0]

	fs := flag.NewFlagSet("word-count", flag.ContinueOnError)
	input := fs.String("input", "", "input glob")
	output := fs.String("output", "", "output directory")
	parallelism := fs.Int("parallelism", 1, "tasks per stage")
	if err := fs.Parse(args[1:]); err != nil {
		return exitClientErr
	}
	if *input == "" || *output == "" {
		usage()
		return exitClientErr
	}

	graph := dag.Graph{
		Nodes: []dag.Node{
			{ID: "read", Op: dag.OpReadText},
			{ID: "tokens", Op: dag.OpFlatMap, Params: map[string]string{"fn": "tokenize"}},
			{ID: "lower", Op: dag.OpMap, Params: map[string]string{"fn": "to_lower"}},
			{ID: "counts", Op: dag.OpReduceByKey, Params: map[string]string{"key": "token", "fn": "sum"}},
		},
		Edges: [][2]string{{"read", "tokens"}, {"tokens", "lower"}, {"lower", "counts"}},
	}

	return submitAndWait(c, protocol.SubmitJobRequest{
		Name:        name,
		Dag:         graph,
		Parallelism: *parallelism,
		InputGlob:   *input,
		OutputDir:   *output,
	})
}

func join(c *client.Client, args []string) int {
	if len(args) < 2 {
		usage()
		return exitClientErr
	}
	left, right := args[0], args[1]

	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	key := fs.String("key", "", "join key field")
	output := fs.String("output", "", "output directory")
	parallelism := fs.Int("parallelism", 1, "tasks per stage")
	if err := fs.Parse(args[2:]); err != nil {
		return exitClientErr
	}
	if *key == "" || *output == "" {
		usage()
		return exitClientErr
	}

	graph := dag.Graph{
		Nodes: []dag.Node{
			{ID: "left", Op: dag.OpReadCSV, Params: map[string]string{"path": left}},
			{ID: "right", Op: dag.OpReadCSV, Params: map[string]string{"path": right}},
			{ID: "joined", Op: dag.OpJoinByKey, Params: map[string]string{"key": *key}},
		},
		Edges: [][2]string{{"left", "joined"}, {"right", "joined"}},
	}

	return submitAndWait(c, protocol.SubmitJobRequest{
		Name:        "join",
		Dag:         graph,
		Parallelism: *parallelism,
		OutputDir:   *output,
	})
}

func submitAndWait(c *client.Client, req protocol.SubmitJobRequest) int {
	info, err := c.SubmitJob(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}
	fmt.Printf("job %s submitted (%d tasks)\n", info.ID, info.TotalTasks)

	final, err := c.WaitForJob(info.ID, pollInterval)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}

	if final.Status == protocol.StatusFailed {
		fmt.Printf("job %s FAILED\n", final.ID)
		if final.LastError != nil {
			fmt.Printf("  %s: %s (task %s)\n", final.LastError.Kind, final.LastError.Message, final.LastError.TaskID)
		}
		return exitJobFailed
	}

	res, err := c.GetResults(final.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}
	fmt.Printf("job %s SUCCEEDED\n", final.ID)
	for _, f := range res.Files {
		fmt.Println(" ", f)
	}
	return exitOK
}

func status(c *client.Client, args []string) int {
	if len(args) != 1 {
		usage()
		return exitClientErr
	}
	info, err := c.GetJob(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}
	fmt.Printf("job %s (%s): %s  %d/%d tasks done, %d failed\n",
		info.ID, info.Name, info.Status, info.CompletedTasks, info.TotalTasks, info.FailedTasks)
	for _, s := range info.Stages {
		fmt.Printf("  stage %d: %d/%d  %v\n", s.ID, s.Completed, s.Total, s.Ops)
	}
	if info.LastError != nil {
		fmt.Printf("  last error %s: %s\n", info.LastError.Kind, info.LastError.Message)
	}
	if info.Status == protocol.StatusFailed {
		return exitJobFailed
	}
	return exitOK
}

func results(c *client.Client, args []string) int {
	if len(args) != 1 {
		usage()
		return exitClientErr
	}
	res, err := c.GetResults(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}
	fmt.Printf("job %s: %s\n", res.ID, res.Status)
	for _, f := range res.Files {
		fmt.Println(" ", f)
	}
	if res.Status == protocol.StatusFailed {
		return exitJobFailed
	}
	return exitOK
}

func workers(c *client.Client) int {
	list, err := c.ListWorkers()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitClientErr
	}
	for _, w := range list {
		state := "alive"
		if w.Dead {
			state = "dead"
		}
		fmt.Printf("%s  %s  %s  slots=%d running=%d failures=%d retries=%d hb=%dms ago\n",
			w.WorkerID, w.Addr, state, w.Slots, w.Running, w.Failures, w.Retries, w.LastHbMsAgo)
	}
	return exitOK
}
