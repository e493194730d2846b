package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"reqledger/pkg/blobcodec"
	"reqledger/pkg/httpx"
	"reqledger/pkg/idempotency"
	"reqledger/pkg/inbound"
	"reqledger/pkg/ledgerbus"
	"reqledger/pkg/telemetry"
)

type eventSource interface {
	Next(ctx context.Context) (idempotency.Event, error)
	Close() error
}

// Testable variables for main()
var (
	osExit      = os.Exit
	httpClient  = telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	newConsumer = func(cfg ledgerbus.KafkaConfig) (eventSource, error) {
		return ledgerbus.NewKafkaConsumer(cfg)
	}
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "send":
		return send(ctx, args[1:], out)
	case "get":
		return getEntry(ctx, args[1:], out)
	case "delete":
		return deleteEntry(ctx, args[1:], out)
	case "encode":
		return encode(in, out)
	case "decode":
		return decode(in, out)
	case "tail":
		return tail(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "ledgerctl commands:")
	fmt.Fprintln(out, "  send --url http://localhost:8080/v1/orders --id <request-id> --data '{...}' [--retries 2]")
	fmt.Fprintln(out, "  get --server http://localhost:8080 --id <request-id>")
	fmt.Fprintln(out, "  delete --server http://localhost:8080 --id <request-id>")
	fmt.Fprintln(out, "  encode < entry.json")
	fmt.Fprintln(out, "  decode < blob.txt")
	fmt.Fprintln(out, "  tail --brokers localhost:9092 --topic ledger.events --group ledgerctl [--max 10]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// send posts one request with a fixed request id. Retries reuse the id, so
// the server executes the handler at most once.
func send(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("send")
	target := fs.String("url", "http://localhost:8080/v1/orders", "target url")
	id := fs.String("id", "", "request id (generated when empty)")
	trace := fs.String("trace", "", "trace id")
	data := fs.String("data", "", "request body")
	dataFile := fs.String("data-file", "", "request body file")
	retries := fs.Int("retries", 2, "retries on transport errors and 5xx")
	delay := fs.Duration("retry-delay", 200*time.Millisecond, "delay between attempts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := []byte(*data)
	if *dataFile != "" {
		raw, err := os.ReadFile(*dataFile)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = raw
	}
	requestID := strings.TrimSpace(*id)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	headers := map[string]string{inbound.DefaultRequestIDHeader: requestID}
	if *trace != "" {
		headers[inbound.DefaultTraceIDHeader] = *trace
	}
	res, err := httpx.Do(ctx, httpClient, httpx.Call{
		Method:     http.MethodPost,
		URL:        *target,
		Body:       body,
		Headers:    headers,
		Retries:    *retries,
		RetryDelay: *delay,
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", requestID, err)
	}
	mode := "executed"
	if res.Header.Get(inbound.ReplayHeader) == "true" {
		mode = "replayed"
	}
	fmt.Fprintf(out, "%s request_id=%s attempts=%d %s\n", statusLabel(res.Status), requestID, res.Attempts, mode)
	_, _ = out.Write(res.Body)
	if len(res.Body) > 0 && res.Body[len(res.Body)-1] != '\n' {
		fmt.Fprintln(out)
	}
	if res.Status >= 400 {
		return fmt.Errorf("server answered %d", res.Status)
	}
	return nil
}

func statusLabel(status int) string {
	label := fmt.Sprintf("%d", status)
	switch {
	case status == http.StatusExpectationFailed:
		return color.YellowString(label)
	case status >= 400:
		return color.RedString(label)
	default:
		return color.GreenString(label)
	}
}

func entryURL(server, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("id required")
	}
	return strings.TrimRight(server, "/") + "/v1/ledger/" + url.PathEscape(id), nil
}

func getEntry(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("get")
	server := fs.String("server", "http://localhost:8080", "ledgerd base url")
	id := fs.String("id", "", "request id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := entryURL(*server, *id)
	if err != nil {
		return err
	}
	res, err := httpx.Do(ctx, httpClient, httpx.Call{Method: http.MethodGet, URL: target, Retries: 1, RetryDelay: 100 * time.Millisecond})
	if err != nil {
		return fmt.Errorf("get %s: %w", *id, err)
	}
	if res.Status != http.StatusOK {
		return fmt.Errorf("get %s: server answered %d: %s", *id, res.Status, strings.TrimSpace(string(res.Body)))
	}
	var pretty map[string]any
	if err := json.Unmarshal(res.Body, &pretty); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func deleteEntry(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("delete")
	server := fs.String("server", "http://localhost:8080", "ledgerd base url")
	id := fs.String("id", "", "request id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := entryURL(*server, *id)
	if err != nil {
		return err
	}
	res, err := httpx.Do(ctx, httpClient, httpx.Call{Method: http.MethodDelete, URL: target})
	if err != nil {
		return fmt.Errorf("delete %s: %w", *id, err)
	}
	if res.Status != http.StatusNoContent {
		return fmt.Errorf("delete %s: server answered %d: %s", *id, res.Status, strings.TrimSpace(string(res.Body)))
	}
	fmt.Fprintf(out, "deleted %s\n", *id)
	return nil
}

// encode and decode expose the stored value format for inspecting raw entries.
func encode(in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	s, err := blobcodec.Encode(raw)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, s)
	return err
}

func decode(in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	payload, err := blobcodec.Decode(strings.TrimSpace(string(raw)))
	if err != nil {
		return err
	}
	_, err = out.Write(payload)
	return err
}

func tail(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", "localhost:9092", "comma separated brokers")
	topic := fs.String("topic", "ledger.events", "ledger event topic")
	group := fs.String("group", "ledgerctl", "consumer group")
	max := fs.Int("max", 0, "stop after this many events (0 = forever)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	src, err := newConsumer(ledgerbus.KafkaConfig{Brokers: strings.Split(*brokers, ","), Topic: *topic, GroupID: *group})
	if err != nil {
		return err
	}
	defer src.Close()
	enc := json.NewEncoder(out)
	for n := 0; *max <= 0 || n < *max; n++ {
		evt, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("tail: %w", err)
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}
