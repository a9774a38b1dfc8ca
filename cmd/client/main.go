// Command client is a thin CLI over the Aggregator: create, drop, and feed
// go to every configured replica, describe and get are answered by one
// replica, and ping reports each replica pool's connection state.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coldstorehq/coldstore/internal/aggregator"
	"github.com/coldstorehq/coldstore/internal/config"
	"github.com/coldstorehq/coldstore/internal/connector"
	"github.com/coldstorehq/coldstore/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./client.yaml"
	}
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapCfg := zap.NewProductionConfig()
	lvl := zap.InfoLevel
	if err := lvl.UnmarshalText([]byte(cfg.Logging.Level)); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	pools := make([]*connector.Pool, len(cfg.Replicas))
	for i, r := range cfg.Replicas {
		addr := fmt.Sprintf("%s:%d", r.Host, r.Port)
		pools[i] = connector.NewPool(addr, r.PoolCapacity, cfg.Watchdog.Period, logger, nil)
	}
	defer func() {
		for _, p := range pools {
			p.Close()
		}
	}()

	agg, err := aggregator.New(pools, cfg.Cache.Size, logger, nil)
	if err != nil {
		logger.Fatal("failed to construct aggregator", zap.Error(err))
	}

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	var cmdErr error
	switch cmd {
	case "ping":
		cmdErr = runPing(pools)
	case "create":
		cmdErr = runCreate(ctx, agg, args)
	case "drop":
		cmdErr = runDrop(ctx, agg, args)
	case "describe":
		cmdErr = runDescribe(ctx, agg)
	case "feed":
		cmdErr = runFeed(ctx, agg, args)
	case "get":
		cmdErr = runGet(ctx, agg, args)
	default:
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: client <ping|create|drop|describe|feed|get> [args]")
	fmt.Fprintln(os.Stderr, "  create -collection NAME -primary-key NAME [-index NAME]...")
	fmt.Fprintln(os.Stderr, "  drop -collection NAME")
	fmt.Fprintln(os.Stderr, "  feed -collection NAME -file PATH")
	fmt.Fprintln(os.Stderr, "  get -collection NAME -key N")
}

func runPing(pools []*connector.Pool) error {
	for i, p := range pools {
		fmt.Printf("replica %d: connected=%v\n", i, p.IsConnected())
	}
	return nil
}

func runCreate(ctx context.Context, agg *aggregator.Aggregator, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	collection := fs.String("collection", "", "collection name")
	primaryKey := fs.String("primary-key", "", "primary key name")
	var otherIndexes stringSliceFlag
	fs.Var(&otherIndexes, "index", "additional index name, may repeat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *primaryKey == "" {
		return fmt.Errorf("-collection and -primary-key are required")
	}

	err := agg.DeclareCollection(ctx, wire.CreateCollectionRequest{
		Collection:      *collection,
		PrimaryKeyName:  *primaryKey,
		OtherIndexNames: otherIndexes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created collection %q\n", *collection)
	return nil
}

func runDrop(ctx context.Context, agg *aggregator.Aggregator, args []string) error {
	fs := flag.NewFlagSet("drop", flag.ExitOnError)
	collection := fs.String("collection", "", "collection name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collection == "" {
		return fmt.Errorf("-collection is required")
	}
	if err := agg.DropCollection(ctx, *collection); err != nil {
		return err
	}
	fmt.Printf("dropped collection %q\n", *collection)
	return nil
}

func runDescribe(ctx context.Context, agg *aggregator.Aggregator) error {
	desc, err := agg.Describe(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(desc)
}

// feedRecord is the line format accepted by `feed`: one JSON object per
// line, data base64-encoded.
type feedRecord struct {
	Keys []int64 `json:"keys"`
	Data string  `json:"data"`
}

func runFeed(ctx context.Context, agg *aggregator.Aggregator, args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	collection := fs.String("collection", "", "collection name")
	path := fs.String("file", "", "path to a newline-delimited JSON file of {keys, data} records")
	version := fs.String("version", "", "feed version; defaults to the current UTC timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *path == "" {
		return fmt.Errorf("-collection and -file are required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", *path, err)
	}
	defer f.Close()

	v := *version
	if v == "" {
		v = aggregator.NewFeedVersion(time.Now())
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	const batchSize = 500
	var pending []wire.BatchItem
	done := false

	next := func() []wire.BatchItem {
		for len(pending) < batchSize && !done {
			if !scanner.Scan() {
				done = true
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec feedRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				done = true
				break
			}
			data, err := base64.StdEncoding.DecodeString(rec.Data)
			if err != nil {
				done = true
				break
			}
			pending = append(pending, wire.BatchItem{Data: data, Keys: rec.Keys})
		}
		batch := pending
		pending = nil
		return batch
	}

	if err := agg.Feed(ctx, *collection, v, next); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", *path, err)
	}
	fmt.Printf("fed collection %q at version %q\n", *collection, v)
	return nil
}

func runGet(ctx context.Context, agg *aggregator.Aggregator, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	collection := fs.String("collection", "", "collection name")
	keyStr := fs.String("key", "", "primary key value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *keyStr == "" {
		return fmt.Errorf("-collection and -key are required")
	}
	key, err := strconv.ParseInt(*keyStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing -key: %w", err)
	}

	resp, err := agg.QueryByPrimaryKey(ctx, *collection, []int64{key})
	if err != nil {
		return err
	}
	if len(resp.ObjectsData) == 0 {
		fmt.Println("not found")
		return nil
	}
	for _, obj := range resp.ObjectsData {
		fmt.Println(base64.StdEncoding.EncodeToString(obj))
	}
	return nil
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
