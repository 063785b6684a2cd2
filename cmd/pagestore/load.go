package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"pagestore/src/common"
)

// keyCodec turns document fields and command line arguments into
// byte-comparable keys.
type keyCodec struct {
	// ints selects 64-bit integer keys.
	ints bool
}

// encodeInt flips the sign bit so that the big endian bytes sort like the
// signed values.
func encodeInt(i int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(i)^(1<<63))
	return key
}

func decodeInt(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}

func (c keyCodec) parse(s string) ([]byte, error) {
	if !c.ints {
		return []byte(s), nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "key %q", s)
	}
	return encodeInt(i), nil
}

func (c keyCodec) format(key []byte) string {
	if c.ints && len(key) == 8 {
		return strconv.FormatInt(decodeInt(key), 10)
	}
	return string(key)
}

// fromValue builds the key of a document from its key field.
func (c keyCodec) fromValue(v bson.RawValue) ([]byte, error) {
	var i int64
	switch v.Type {
	case bson.TypeInt32:
		i = int64(v.Int32())
	case bson.TypeInt64:
		i = v.Int64()
	case bson.TypeDouble:
		f := v.Double()
		if f != float64(int64(f)) {
			return nil, errors.Errorf("key %v is not an integer", f)
		}
		i = int64(f)
	case bson.TypeString:
		if c.ints {
			return c.parse(v.StringValue())
		}
		return []byte(v.StringValue()), nil
	case bson.TypeObjectID:
		if c.ints {
			return nil, errors.New("object id key is not an integer")
		}
		return []byte(v.ObjectID().Hex()), nil
	default:
		return nil, errors.Errorf("key of type %s is not supported", v.Type)
	}
	if c.ints {
		return encodeInt(i), nil
	}
	return []byte(strconv.FormatInt(i, 10)), nil
}

// documentReader yields raw BSON documents until io.EOF.
type documentReader interface {
	next() (bson.Raw, error)
}

// bsonReader reads concatenated documents as written by mongodump.
type bsonReader struct {
	r *bufio.Reader
}

func (br *bsonReader) next() (bson.Raw, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.New("truncated document length")
		}
		return nil, err
	}
	docLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if docLen < 5 || docLen > common.PageSize {
		return nil, errors.Errorf("invalid document length %d", docLen)
	}
	doc := make([]byte, docLen)
	copy(doc, lenBuf[:])
	if _, err := io.ReadFull(br.r, doc[4:]); err != nil {
		return nil, errors.Wrap(err, "truncated document")
	}
	if err := bson.Raw(doc).Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid document")
	}
	return doc, nil
}

// lineReader reads one document per line: extended JSON, or a key and a
// value separated by a tab.
type lineReader struct {
	scanner *bufio.Scanner
	tsv     bool
	keyName string
	line    int
}

func (lr *lineReader) next() (bson.Raw, error) {
	for lr.scanner.Scan() {
		lr.line++
		line := strings.TrimSpace(lr.scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		var doc bson.D
		if lr.tsv {
			key, value, _ := strings.Cut(line, "\t")
			doc = bson.D{{Key: lr.keyName, Value: key}, {Key: "value", Value: value}}
		} else if err := bson.UnmarshalExtJSON([]byte(line), false, &doc); err != nil {
			return nil, errors.Wrapf(err, "line %d", lr.line)
		}
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lr.line)
		}
		return raw, nil
	}
	if err := lr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func newDocumentReader(r io.Reader, format, keyName string) (documentReader, error) {
	switch format {
	case "bson":
		return &bsonReader{r: bufio.NewReader(r)}, nil
	case "jsonl", "json", "tsv":
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		return &lineReader{scanner: scanner, tsv: format == "tsv", keyName: keyName}, nil
	default:
		return nil, errors.Errorf("unknown input format %q", format)
	}
}

// loadFile inserts every document of path, keyed by keyName. Documents whose
// key is already present are skipped.
func (s *store) loadFile(path, format, keyName string, codec keyCodec) (loaded, skipped int, err error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "cannot open %s", path)
	}
	defer f.Close()
	reader, err := newDocumentReader(f, format, keyName)
	if err != nil {
		return 0, 0, err
	}
	return s.load(reader, keyName, codec)
}

func (s *store) load(reader documentReader, keyName string, codec keyCodec) (loaded, skipped int, err error) {
	for {
		doc, err := reader.next()
		if err == io.EOF {
			return loaded, skipped, nil
		}
		if err != nil {
			return loaded, skipped, err
		}
		value, err := doc.LookupErr(keyName)
		if err != nil {
			return loaded, skipped, errors.Wrapf(err, "document %d has no field %q", loaded+skipped+1, keyName)
		}
		key, err := codec.fromValue(value)
		if err != nil {
			return loaded, skipped, errors.Wrapf(err, "document %d", loaded+skipped+1)
		}
		err = s.insert(key, doc)
		if errors.Is(err, common.ErrDuplicateKey) {
			log.WithField("key", codec.format(key)).Warn("Skipped duplicate key.")
			skipped++
			continue
		}
		if err != nil {
			return loaded, skipped, errors.Wrapf(err, "document %d", loaded+skipped+1)
		}
		loaded++
		if loaded%10000 == 0 {
			log.WithField("documents", loaded).Info("Loading.")
		}
	}
}
