package castlemind

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Artifact names inside a game directory. policy.bin holds 4672 raw
// little-endian float32 values per ply, q_values.bin one float32 per ply,
// game.pgn the finished game.
const (
	PolicyFile = "policy.bin"
	QValueFile = "q_values.bin"
	PGNFile    = "game.pgn"
)

// Recorder streams one game's training artifacts to a directory.
type Recorder struct {
	dir     string
	policyF *os.File
	valueF  *os.File
	moves   []string // SAN, in game order
	plies   int
}

// NewRecorder creates dir and opens the binary label files.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create game dir %s", dir)
	}
	policyF, err := os.OpenFile(filepath.Join(dir, PolicyFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	valueF, err := os.OpenFile(filepath.Join(dir, QValueFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		policyF.Close()
		return nil, errors.WithStack(err)
	}
	return &Recorder{dir: dir, policyF: policyF, valueF: valueF}, nil
}

// Record appends one ply: the dense policy target, the root Q and the SAN
// of the move played.
func (r *Recorder) Record(ex Example) error {
	if err := binary.Write(r.policyF, binary.LittleEndian, ex.Policy); err != nil {
		return errors.Wrap(err, "write policy labels")
	}
	if err := binary.Write(r.valueF, binary.LittleEndian, ex.Q); err != nil {
		return errors.Wrap(err, "write value labels")
	}
	r.moves = append(r.moves, ex.SAN)
	r.plies++
	return nil
}

// Plies returns the number of recorded plies.
func (r *Recorder) Plies() int { return r.plies }

// WritePGN renders game.pgn with the standard headers and numbered SAN
// movetext. result is "1-0", "0-1", "1/2-1/2" or "*".
func (r *Recorder) WritePGN(event, white, black, result string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[Event %q]\n", event)
	b.WriteString("[Site \"?\"]\n")
	b.WriteString("[Date \"????.??.??\"]\n")
	b.WriteString("[Round \"?\"]\n")
	fmt.Fprintf(&b, "[White %q]\n", white)
	fmt.Fprintf(&b, "[Black %q]\n", black)
	fmt.Fprintf(&b, "[Result %q]\n\n", result)

	for i, san := range r.moves {
		if i%2 == 0 {
			fmt.Fprintf(&b, "%d. ", i/2+1)
		}
		b.WriteString(san + " ")
	}
	b.WriteString(result + "\n")

	err := os.WriteFile(filepath.Join(r.dir, PGNFile), []byte(b.String()), 0644)
	return errors.Wrap(err, "write pgn")
}

// Close flushes and closes the label files.
func (r *Recorder) Close() error {
	var errs error
	if err := r.policyF.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := r.valueF.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}
