// evalctl is an operator CLI for the evaluator service: create and drive
// evaluators over the HTTP facade, tail the event stream, and query the
// index database.
package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"beltlab.ai/internal/protocol"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "create":
			createCmd(os.Args[2:])
			return
		case "destroy":
			destroyCmd(os.Args[2:])
			return
		case "world":
			worldCmd(os.Args[2:])
			return
		case "fitness":
			fitnessCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		case "connection":
			connectionCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("evalctl", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	_ = fs.Parse(args)

	var list []protocol.EvaluatorStatus
	getJSON(*addr+"/v1/evaluators", &list)
	for _, st := range list {
		fmt.Printf("%s\t%s\t%s/%d\n", st.EvaluatorID, st.State, st.Category, st.Dimension)
	}
}

func createCmd(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	category := fs.String("category", "static", "problem category (static|dynamic)")
	dimension := fs.Int("dimension", 6, "problem dimension (3|6|12)")
	seed := fs.Int64("seed", 0, "generator seed (dynamic problems)")
	deterministic := fs.Bool("deterministic", false, "rebuild the subprocess per world")
	_ = fs.Parse(args)

	var resp protocol.CreateEvaluatorResponse
	postJSON(*addr+"/v1/evaluators", protocol.CreateEvaluatorRequest{
		Category:      *category,
		Dimension:     *dimension,
		Seed:          *seed,
		Deterministic: *deterministic,
	}, &resp)
	fmt.Printf("%s\t%s\n", resp.EvaluatorID, resp.State)
}

func destroyCmd(args []string) {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	id := fs.String("id", "", "evaluator id (required)")
	_ = fs.Parse(args)
	requireID(*id)

	req, _ := http.NewRequest(http.MethodDelete, *addr+"/v1/evaluators/"+*id, nil)
	resp := do(req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		fail(resp)
	}
	fmt.Println("destroyed", *id)
}

func worldCmd(args []string) {
	fs := flag.NewFlagSet("world", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	id := fs.String("id", "", "evaluator id (required)")
	_ = fs.Parse(args)
	requireID(*id)

	var resp protocol.CreateWorldResponse
	postJSON(*addr+"/v1/evaluators/"+*id+"/world", nil, &resp)
	printMatrix(resp.Observation)
}

func fitnessCmd(args []string) {
	fs := flag.NewFlagSet("fitness", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	id := fs.String("id", "", "evaluator id (required)")
	file := fs.String("file", "-", "solution ndarray JSON file ('-' for stdin)")
	_ = fs.Parse(args)
	requireID(*id)

	var raw []byte
	var err error
	if *file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "read solution:", err)
		os.Exit(1)
	}
	var solution protocol.NdArray
	if err := json.Unmarshal(raw, &solution); err != nil {
		fmt.Fprintln(os.Stderr, "parse solution:", err)
		os.Exit(1)
	}

	var resp protocol.EvaluateResponse
	postJSON(*addr+"/v1/evaluators/"+*id+"/fitness", protocol.EvaluateRequest{Solution: solution}, &resp)
	fmt.Printf("score=%d state=%s\n", resp.Score, resp.State)
}

func saveCmd(args []string) {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	id := fs.String("id", "", "evaluator id (required)")
	out := fs.String("out", "", "destination path on the service host (required)")
	_ = fs.Parse(args)
	requireID(*id)
	if strings.TrimSpace(*out) == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}

	var resp protocol.SaveWorldResponse
	postJSON(*addr+"/v1/evaluators/"+*id+"/save", protocol.SaveWorldRequest{Path: *out}, &resp)
	fmt.Println("saved", resp.Path)
}

func connectionCmd(args []string) {
	fs := flag.NewFlagSet("connection", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	id := fs.String("id", "", "evaluator id (required)")
	_ = fs.Parse(args)
	requireID(*id)

	var resp protocol.ConnectionInfoResponse
	getJSON(*addr+"/v1/evaluators/"+*id+"/connection", &resp)
	b, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(b))
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8340", "service address")
	_ = fs.Parse(args)

	wsURL := strings.Replace(*addr, "http", "ws", 1) + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		fmt.Println(string(raw))
	}
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index.db", "sqlite index path")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT e.id, e.category, e.dimension, e.state, COUNT(v.seq), COALESCE(MAX(v.score), 0)
		FROM evaluators e
		LEFT JOIN evaluations v ON v.evaluator_id = e.id
		GROUP BY e.id
		ORDER BY e.created_at DESC
		LIMIT ?`, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, category, state string
			dimension, count    int
			best                int64
		)
		if err := rows.Scan(&id, &category, &dimension, &state, &count, &best); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		fmt.Printf("%s\t%s/%d\t%s\truns=%d\tbest=%d\n", id, category, dimension, state, count, best)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

func requireID(id string) {
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
}

func do(req *http.Request) *http.Response {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	return resp
}

func getJSON(url string, out any) {
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	decode(do(req), out)
}

func postJSON(url string, body, out any) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "marshal:", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, reader)
	req.Header.Set("Content-Type", "application/json")
	decode(do(req), out)
}

func decode(resp *http.Response, out any) {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fail(resp)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
}

func fail(resp *http.Response) {
	raw, _ := io.ReadAll(resp.Body)
	var eb protocol.ErrorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Code != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", eb.Code, eb.Message)
	} else {
		fmt.Fprintf(os.Stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	os.Exit(1)
}

func printMatrix(a protocol.NdArray) {
	m, err := a.Matrix()
	if err != nil {
		fmt.Fprintln(os.Stderr, "observation:", err)
		os.Exit(1)
	}
	for _, row := range m {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = fmt.Sprintf("%d", v)
		}
		fmt.Println(strings.Join(parts, " "))
	}
}
