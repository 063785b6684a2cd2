// pagestore loads documents into a page file and queries them through the
// B+ tree index.
//
//	pagestore -db data.db load people.jsonl
//	pagestore -db data.db -int-keys get 42
//	pagestore -db data.db scan -start a -end m
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pagestore/src/common"
)

var (
	dbPath    = flag.String("db", "", "database file (required)")
	poolSize  = flag.Int("pool", 64, "buffer pool frames")
	policy    = flag.String("replacer", common.PolicyLRUK, "replacement policy: lru-k, lru or clock")
	replacerK = flag.Int("k", 2, "history depth of the lru-k policy")
	directIO  = flag.Bool("direct", false, "open the file with O_DIRECT")
	syncIO    = flag.Bool("sync", false, "open the file with O_SYNC")
	maxPages  = flag.Int("max-pages", 0, "file size limit in pages, 0 for none")
	order     = flag.Int("order", 32, "B+ tree order of a new database")
	maxKey    = flag.Int("max-key", 48, "key size limit of a new database")

	intKeys  = flag.Bool("int-keys", false, "keys are 64-bit integers")
	keyField = flag.String("key", "_id", "document field used as key by load")
	format   = flag.String("format", "", "load input format: bson, jsonl or tsv (default: by extension)")

	logLevel  = flag.String("log-level", "info", "log level")
	logFormat = flag.String("log-format", "text", "log format: text or json")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -db <file> [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  load <file>                 insert the documents of a bson, jsonl or tsv file\n")
	fmt.Fprintf(os.Stderr, "  get <key>                   print the document stored under key\n")
	fmt.Fprintf(os.Stderr, "  scan [-start k] [-end k] [-limit n]\n")
	fmt.Fprintf(os.Stderr, "                              print documents in key order, end exclusive\n")
	fmt.Fprintf(os.Stderr, "  delete <key>                remove a document\n")
	fmt.Fprintf(os.Stderr, "  dump                        print the tree level by level\n")
	fmt.Fprintf(os.Stderr, "  verify                      check the tree and its references into the heap\n")
	fmt.Fprintf(os.Stderr, "  stats                       print file, pool and index statistics\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}

func setupLogging() {
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q.", *logLevel)
	}
	log.SetLevel(level)
	switch *logFormat {
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.Fatalf("Invalid log format %q.", *logFormat)
	}
}

func options() common.Options {
	opts := common.DefaultOptions()
	opts.Path = *dbPath
	opts.PoolSize = *poolSize
	opts.ReplacerPolicy = *policy
	opts.ReplacerK = *replacerK
	opts.DirectIO = *directIO
	opts.SyncWrites = *syncIO
	opts.MaxPages = *maxPages
	opts.Order = *order
	opts.MaxKeySize = *maxKey
	opts.MaxValueSize = common.RIDSize
	return opts
}

func main() {
	flag.Usage = usage
	flag.Parse()
	setupLogging()
	if *dbPath == "" || flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	s, err := openStore(options())
	if err != nil {
		log.WithError(err).Fatalf("Cannot open %s.", *dbPath)
	}
	codec := keyCodec{ints: *intKeys}
	err = run(s, codec, flag.Arg(0), flag.Args()[1:])
	if cerr := s.Close(); cerr != nil {
		log.WithError(cerr).Errorf("Cannot close %s.", *dbPath)
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		log.WithError(err).Fatalf("Command %s failed.", flag.Arg(0))
	}
}

func run(s *store, codec keyCodec, command string, args []string) error {
	out := os.Stdout
	switch command {
	case "load":
		if len(args) != 1 {
			return errors.Errorf("load takes one file")
		}
		loaded, skipped, err := s.loadFile(args[0], *format, *keyField, codec)
		fmt.Fprintf(out, "loaded %d documents, skipped %d duplicates\n", loaded, skipped)
		return err
	case "get":
		if len(args) != 1 {
			return errors.Errorf("get takes one key")
		}
		key, err := codec.parse(args[0])
		if err != nil {
			return err
		}
		doc, err := s.get(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, doc.String())
		return nil
	case "scan":
		fs := flag.NewFlagSet("scan", flag.ContinueOnError)
		start := fs.String("start", "", "first key")
		end := fs.String("end", "", "key to stop before")
		limit := fs.Int("limit", 0, "stop after n documents, 0 for all")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var startKey, endKey []byte
		var err error
		if *start != "" {
			if startKey, err = codec.parse(*start); err != nil {
				return err
			}
		}
		if *end != "" {
			if endKey, err = codec.parse(*end); err != nil {
				return err
			}
		}
		return s.scan(out, codec, startKey, endKey, *limit)
	case "delete":
		if len(args) != 1 {
			return errors.Errorf("delete takes one key")
		}
		key, err := codec.parse(args[0])
		if err != nil {
			return err
		}
		return s.delete(key)
	case "dump":
		return s.tree.Dump(out)
	case "verify":
		count, err := s.verify()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "ok: %d keys\n", count)
		return nil
	case "stats":
		return s.printStats(out)
	default:
		usage()
		return errors.Errorf("unknown command %q", command)
	}
}
