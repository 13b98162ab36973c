package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/gftdcojp/streamlog/internal/types"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	addr := pflag.StringP("addr", "a", "http://localhost:8080", "streamlogd API address")
	raw := pflag.Bool("raw", false, "print record payloads as base64 instead of text")
	pflag.Usage = printUsage
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{addr: strings.TrimRight(*addr, "/"), raw: *raw}
	switch args[0] {
	case "version":
		fmt.Printf("slctl %s\n", version)
	case "status":
		c.printJSON(c.get("/v1/status"))
	case "streams":
		c.streams()
	case "stream":
		if len(args) < 3 || args[1] != "info" {
			usageError("usage: slctl stream info <repo/stream>")
		}
		c.printJSON(c.get("/v1/streams/" + streamPath(args[2])))
	case "blocks":
		if len(args) < 2 {
			usageError("usage: slctl blocks <repo/stream>")
		}
		c.blocks(streamPath(args[1]))
	case "get":
		if len(args) < 3 {
			usageError("usage: slctl get <repo/stream> <version>")
		}
		c.record(c.get("/v1/records/" + streamPath(args[1]) + "/" + args[2]))
	case "pack":
		if len(args) < 2 {
			usageError("usage: slctl pack <repo/stream>")
		}
		c.printJSON(c.post("/v1/admin/pack/" + streamPath(args[1])))
	case "complete":
		if len(args) < 2 {
			usageError("usage: slctl complete <repo/stream>")
		}
		c.printJSON(c.post("/v1/admin/complete/" + streamPath(args[1])))
	case "processes":
		c.processes()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `slctl - streamlog management CLI

Usage:
  slctl [flags] <command> [args]

Commands:
  status                     Show store status and page pool occupancy
  streams                    List open streams
  stream info <repo/stream>  Show state hints for a stream
  blocks <repo/stream>       List index records and packed blocks
  get <repo/stream> <ver>    Print one record
  pack <repo/stream>         Pack and release completed blocks now
  complete <repo/stream>     Complete a stream
  processes                  List registered writer processes
  version                    Show version

Flags:`)
	pflag.PrintDefaults()
}

func usageError(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// streamPath turns "repo/stream" into the API path segment, rejecting
// anything that is not a stream log id.
func streamPath(s string) string {
	id, err := types.ParseStreamLogID(s)
	if err != nil || id == types.Log0 {
		usageError(fmt.Sprintf("invalid stream id %q: want repo/stream", s))
	}
	return fmt.Sprintf("%d/%d", id.RepoID(), id.StreamID())
}

type client struct {
	addr string
	raw  bool
}

func (c *client) get(path string) io.ReadCloser {
	resp, err := http.Get(c.addr + path)
	if err != nil {
		fail(err)
	}
	return checkStatus(resp)
}

func (c *client) post(path string) io.ReadCloser {
	resp, err := http.Post(c.addr+path, "", nil)
	if err != nil {
		fail(err)
	}
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) io.ReadCloser {
	if resp.StatusCode < 300 {
		return resp.Body
	}
	defer resp.Body.Close()
	var e struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&e)
	fail(fmt.Errorf("%s: %s", resp.Status, e.Error))
	return nil
}

func (c *client) streams() {
	body := c.get("/v1/streams")
	defer body.Close()

	var streams []struct {
		ID                  types.StreamLogID `json:"id"`
		Name                string            `json:"name"`
		LastVersion         uint64            `json:"last_version"`
		ActiveBlockVersion  uint64            `json:"active_block_version"`
		LastPackedVersion   uint64            `json:"last_packed_version"`
		LastReleasedVersion uint64            `json:"last_released_version"`
		BlockSizeHint       int               `json:"block_size_hint"`
		Completed           bool              `json:"completed"`
	}
	if err := json.NewDecoder(body).Decode(&streams); err != nil {
		fail(fmt.Errorf("decoding response: %w", err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tNAME\tLAST\tACTIVE\tPACKED\tRELEASED\tHINT\tCOMPLETED")
	for _, s := range streams {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%v\n",
			s.ID, s.Name, s.LastVersion, s.ActiveBlockVersion,
			s.LastPackedVersion, s.LastReleasedVersion, s.BlockSizeHint, s.Completed)
	}
	w.Flush()
}

func (c *client) blocks(stream string) {
	body := c.get("/v1/blocks/" + stream)
	defer body.Close()

	var resp struct {
		Index  []map[string]interface{} `json:"index"`
		Packed []map[string]interface{} `json:"packed"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		fail(fmt.Errorf("decoding response: %w", err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tPAGE\tLINGERING\tPACKED\tSENTINEL")
	for _, b := range resp.Index {
		sentinel := b["sentinel"]
		if sentinel == nil {
			sentinel = ""
		}
		fmt.Fprintf(w, "%.0f\t%v\t%v\t%v\t%v\n", b["version"], b["page"], b["lingering"], b["packed"], sentinel)
	}
	w.Flush()

	if len(resp.Packed) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIRST\tLAST\tRECORDS\tSIZE\tCHECKSUM\tTIER\tAGE")
	for _, b := range resp.Packed {
		fmt.Fprintf(w, "%.0f\t%.0f\t%v\t%v\t%08x\t%v\t%v\n",
			b["first_version"], b["last_version"], b["count"], b["size_bytes"],
			uint32(b["checksum"].(float64)), b["tier"], b["age"])
	}
	w.Flush()
}

func (c *client) record(body io.ReadCloser) {
	defer body.Close()
	var rec struct {
		Stream  string `json:"stream"`
		Version uint64 `json:"version"`
		Data    []byte `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		fail(fmt.Errorf("decoding response: %w", err))
	}
	data := string(rec.Data)
	if c.raw {
		data = base64.StdEncoding.EncodeToString(rec.Data)
	}
	fmt.Printf("%s@%d\t%s\n", rec.Stream, rec.Version, data)
}

func (c *client) processes() {
	body := c.get("/v1/processes")
	defer body.Close()

	var procs []map[string]interface{}
	if err := json.NewDecoder(body).Decode(&procs); err != nil {
		fail(fmt.Errorf("decoding response: %w", err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WPID\tPID\tHOST\tVERSION\tSTARTED\tHEARTBEAT\tSELF")
	for _, p := range procs {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			p["wpid"], p["pid"], p["host"], p["version"], p["started_at"], p["heartbeat"], p["self"])
	}
	w.Flush()
}

func (c *client) printJSON(body io.ReadCloser) {
	defer body.Close()
	var v interface{}
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
