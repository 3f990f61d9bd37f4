package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/engine"
)

const helpText = `
regiondb - an embedded region-based key-value store.

Usage:
  regiondb [options] [database_path]  - Start with an optional database path

Commands:
  .help                   - Show this help message
  .open PATH [TRUNCATE]   - Open a database at PATH, optionally wiping it first
  .close                  - Close the current database
  .exit                   - Exit the program
  .stats                  - Refresh and print the profile
  .reset                  - Reset the profile counters
  .dump                   - Describe the database and every entry
  .check                  - Check the integrity of the database
  .compact                - Run one bounded compaction pass
  .checkpoint             - Write a checkpoint now

  BATCH                   - Start collecting writes into a batch
  COMMIT                  - Commit the current batch atomically
  DISCARD                 - Drop the current batch

  PUT key value           - Store a value under a key
  PUTHASH hex value       - Store a value under a 32-byte hex key
  GET key                 - Retrieve a value by key
  GETHASH hex             - Retrieve a value by 32-byte hex key
  DELETE key              - Delete a key
  DELHASH hex             - Delete a 32-byte hex key
  MODIFY key offset text  - Overwrite part of a value in place
  REPLACE key value       - Replace a value through a write handle
  HASH key                - Print the 32-byte key of a key
  SCAN [limit]            - List entries in index order
`

// shell executes commands against one open database.
type shell struct {
	cfg    *config.Config
	out    io.Writer
	eng    *engine.Engine
	dbPath string
	batch  *engine.Batch
}

func newShell(cfg *config.Config, out io.Writer) *shell {
	return &shell{cfg: cfg, out: out}
}

func (s *shell) prompt() string {
	switch {
	case s.eng == nil:
		return "regiondb> "
	case s.batch != nil:
		return fmt.Sprintf("regiondb:%s[BATCH %d]> ", s.dbPath, s.batch.Len())
	default:
		return fmt.Sprintf("regiondb:%s> ", s.dbPath)
	}
}

func (s *shell) open(path string, truncate bool) error {
	s.close()
	eng, err := engine.Open(path, s.cfg, truncate)
	if err != nil {
		return err
	}
	s.eng, s.dbPath = eng, path
	return nil
}

func (s *shell) close() error {
	if s.batch != nil {
		s.batch.Discard()
		s.batch = nil
	}
	if s.eng == nil {
		return nil
	}
	err := s.eng.Close()
	s.eng, s.dbPath = nil, ""
	return err
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) fail(err error) {
	s.printf("Error: %s (code %d)\n", err, status.Code(err))
}

// splitArgs splits line into the command, n-1 single-word arguments, and
// the remaining text, which may contain spaces.
func splitArgs(line string, n int) []string {
	var out []string
	rest := strings.TrimSpace(line)
	for len(out) < n && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 || len(out) == n-1 {
			out = append(out, rest)
			rest = ""
			break
		}
		out = append(out, rest[:i])
		rest = strings.TrimLeft(rest[i:], " \t")
	}
	return out
}

// execute runs one command line. It reports whether the shell should exit.
func (s *shell) execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return s.dotCommand(strings.ToLower(cmd), parts[1:])
	}
	if cmd == "HASH" {
		if len(parts) != 2 {
			s.printf("Usage: HASH key\n")
			return false
		}
		s.printf("%x\n", engine.HashKey([]byte(parts[1])))
		return false
	}
	if s.eng == nil {
		s.printf("No database open\n")
		return false
	}

	switch cmd {
	case "BATCH":
		if s.batch != nil {
			s.printf("A batch is already open\n")
			return false
		}
		s.batch = s.eng.NewBatch()
		s.printf("Batch started\n")

	case "COMMIT":
		if s.batch == nil {
			s.printf("No batch open\n")
			return false
		}
		n := s.batch.Len()
		err := s.batch.Commit()
		s.batch = nil
		if err != nil {
			s.fail(err)
			return false
		}
		s.printf("Batch of %d operations committed\n", n)

	case "DISCARD":
		if s.batch == nil {
			s.printf("No batch open\n")
			return false
		}
		s.batch.Discard()
		s.batch = nil
		s.printf("Batch discarded\n")

	case "PUT", "PUTHASH":
		args := splitArgs(line, 3)
		if len(args) < 2 {
			s.printf("Usage: %s key value\n", cmd)
			return false
		}
		var val []byte
		if len(args) == 3 {
			val = []byte(args[2])
		}
		s.put(cmd == "PUTHASH", args[1], val)

	case "GET", "GETHASH":
		if len(parts) != 2 {
			s.printf("Usage: %s key\n", cmd)
			return false
		}
		s.get(cmd == "GETHASH", parts[1])

	case "DELETE", "DELHASH":
		if len(parts) != 2 {
			s.printf("Usage: %s key\n", cmd)
			return false
		}
		s.delete(cmd == "DELHASH", parts[1])

	case "MODIFY":
		args := splitArgs(line, 4)
		if len(args) != 4 {
			s.printf("Usage: MODIFY key offset text\n")
			return false
		}
		off, err := strconv.Atoi(args[2])
		if err != nil || off < 0 {
			s.printf("Error: invalid offset %q\n", args[2])
			return false
		}
		s.modify(args[1], off, []byte(args[3]))

	case "REPLACE":
		args := splitArgs(line, 3)
		if len(args) < 2 {
			s.printf("Usage: REPLACE key value\n")
			return false
		}
		var val []byte
		if len(args) == 3 {
			val = []byte(args[2])
		}
		s.replace(args[1], val)

	case "SCAN":
		limit := -1
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n < 0 {
				s.printf("Error: invalid limit %q\n", parts[1])
				return false
			}
			limit = n
		}
		s.scan(limit)

	default:
		s.printf("Unknown command: %s\n", parts[0])
	}
	return false
}

func (s *shell) dotCommand(cmd string, args []string) bool {
	switch cmd {
	case ".help":
		s.printf("%s", helpText)
		return false
	case ".exit":
		if err := s.close(); err != nil {
			s.fail(err)
		}
		s.printf("Goodbye!\n")
		return true
	case ".open":
		if len(args) < 1 {
			s.printf("Error: Missing path argument\n")
			return false
		}
		truncate := len(args) > 1 && strings.EqualFold(args[1], "truncate")
		if err := s.open(args[0], truncate); err != nil {
			s.fail(err)
			return false
		}
		s.printf("Database opened at %s\n", args[0])
		return false
	}

	if s.eng == nil {
		s.printf("No database open\n")
		return false
	}

	switch cmd {
	case ".close":
		path := s.dbPath
		if err := s.close(); err != nil {
			s.fail(err)
			return false
		}
		s.printf("Database %s closed\n", path)

	case ".stats":
		if err := s.eng.RefreshProfile(); err != nil {
			s.fail(err)
			return false
		}
		if err := s.eng.PrintProfile(s.out); err != nil {
			s.fail(err)
		}

	case ".reset":
		s.eng.ResetProfile()
		s.printf("Profile reset\n")

	case ".dump":
		if err := s.eng.Dump(s.out); err != nil {
			s.fail(err)
		}

	case ".check":
		report, err := s.eng.CheckIntegrity()
		if err != nil {
			s.fail(err)
			return false
		}
		s.printf("OK: %d keys, %d nodes (%d bytes)", report.Keys, report.Nodes, report.NodeBytes)
		for name, n := range report.DataBytes {
			s.printf(", %s %d bytes", name, n)
		}
		s.printf(", %d deferred frees\n", report.Deferred)

	case ".compact":
		res, err := s.eng.Compact()
		if err != nil {
			s.fail(err)
			return false
		}
		s.printf("Walked %d regions, evacuated %d, relocated %d blocks (%d bytes), freed %d regions\n",
			res.Walked, res.Evacuated, res.Relocated, res.BytesMoved, res.FreedRegions)

	case ".checkpoint":
		if err := s.eng.Checkpoint(); err != nil {
			s.fail(err)
			return false
		}
		s.printf("Checkpoint written\n")

	default:
		s.printf("Unknown command: %s\n", cmd)
	}
	return false
}

// hashArg decodes a 32-byte hex key.
func hashArg(arg string) ([]byte, error) {
	b, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not hex: %v", status.ErrInvalidArgument, err)
	}
	return b, nil
}

func (s *shell) put(hashed bool, k string, val []byte) {
	key := []byte(k)
	if hashed {
		var err error
		if key, err = hashArg(k); err != nil {
			s.fail(err)
			return
		}
	}

	var err error
	switch {
	case s.batch != nil && hashed:
		err = s.batch.PutByHash(key, val)
	case s.batch != nil:
		err = s.batch.Put(key, val)
	case hashed:
		err = s.eng.PutByHash(key, val)
	default:
		err = s.eng.Put(key, val)
	}
	if err != nil {
		s.fail(err)
		return
	}
	if s.batch != nil {
		s.printf("Queued\n")
		return
	}
	s.printf("Value stored\n")
}

func (s *shell) get(hashed bool, k string) {
	var (
		ref *engine.ValueRef
		err error
	)
	if hashed {
		var key []byte
		if key, err = hashArg(k); err == nil {
			ref, err = s.eng.GetByHash(key)
		}
	} else {
		ref, err = s.eng.Get([]byte(k))
	}
	if err != nil {
		s.fail(err)
		return
	}
	defer ref.Release()
	s.printf("%s\n", ref.Bytes())
}

func (s *shell) delete(hashed bool, k string) {
	key := []byte(k)
	if hashed {
		var err error
		if key, err = hashArg(k); err != nil {
			s.fail(err)
			return
		}
	}

	var err error
	switch {
	case s.batch != nil && hashed:
		err = s.batch.DeleteByHash(key)
	case s.batch != nil:
		err = s.batch.Delete(key)
	case hashed:
		err = s.eng.DeleteByHash(key)
	default:
		err = s.eng.Delete(key)
	}
	if err != nil {
		s.fail(err)
		return
	}
	if s.batch != nil {
		s.printf("Queued\n")
		return
	}
	s.printf("Key %s deleted\n", k)
}

func (s *shell) modify(k string, off int, text []byte) {
	m, err := s.eng.GetMut([]byte(k))
	if err != nil {
		s.fail(err)
		return
	}
	defer m.Release()

	if off+len(text) > m.Len() {
		s.printf("Error: value is %d bytes long\n", m.Len())
		return
	}
	if err := m.ModifyInPlace(func(b []byte) error {
		copy(b[off:], text)
		return nil
	}); err != nil {
		s.fail(err)
		return
	}
	s.printf("Value modified\n")
}

func (s *shell) replace(k string, val []byte) {
	m, err := s.eng.GetMut([]byte(k))
	if err != nil {
		s.fail(err)
		return
	}
	defer m.Release()
	if err := m.Replace(val); err != nil {
		s.fail(err)
		return
	}
	s.printf("Value replaced\n")
}

func (s *shell) scan(limit int) {
	it, err := s.eng.NewIterator()
	if err != nil {
		s.fail(err)
		return
	}
	defer it.Close()

	count := 0
	for (limit < 0 || count < limit) && it.Next() {
		ent := it.Entry()
		if ent.Mode == engine.UserKey {
			s.printf("%q: %s\n", ent.Key, ent.Value)
		} else {
			s.printf("%x: %s\n", ent.Key, ent.Value)
		}
		count++
	}
	if err := it.Err(); err != nil {
		s.fail(err)
		return
	}
	s.printf("%d entries\n", count)
}
