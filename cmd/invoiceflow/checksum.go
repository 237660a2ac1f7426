package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

var errChecksumMismatch = errors.New("checksum mismatch")

// httpGetter is satisfied by *http.Client.
type httpGetter interface {
	Get(url string) (*http.Response, error)
}

// fetchVerified streams url into a temporary file in dir while hashing it
// and keeps the file only if its SHA-256 equals want. The caller removes
// the returned file.
func fetchVerified(client httpGetter, url, dir, want string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return "", err
	}
	keep := false
	defer func() {
		if !keep {
			os.Remove(f.Name())
		}
	}()

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
		return "", fmt.Errorf("%w: want %s, got %s", errChecksumMismatch, want, got)
	}
	keep = true
	return f.Name(), nil
}

// loadChecksums reads a checksums file from disk.
func loadChecksums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checksums: %w", err)
	}
	defer f.Close()
	return parseChecksums(f)
}

// parseChecksums reads sha256sum output, "<hex> [*]<file>" per line, into
// a file name to digest map. Lines without a valid digest are ignored.
func parseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		digest, name, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok {
			continue
		}
		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		if raw, err := hex.DecodeString(digest); err != nil || len(raw) != sha256.Size || name == "" {
			continue
		}
		sums[name] = strings.ToLower(digest)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}
	return sums, nil
}
