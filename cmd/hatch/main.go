// hatch is the deployment CLI: it packs an application directory into a
// bundle archive and pushes it to a hatchd server, and can roll back or
// inspect an application's deployment history.
//
//	hatch push -server http://localhost:8080 -app blog [-dir .]
//	hatch rollback -server http://localhost:8080 -app blog -hash <sha256>
//	hatch history -server http://localhost:8080 -app blog
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomyedwab/hatch/bundle"
)

const (
	hashHeader  = "X-Content-Hash"
	tokenEnv    = "HATCH_DEPLOY_TOKEN"
	historyFile = ".hatch_history"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "push":
		err = cmdPush(os.Args[2:])
	case "rollback":
		err = cmdRollback(os.Args[2:])
	case "history":
		err = cmdHistory(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hatch: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hatch <push|rollback|history> [flags]")
	os.Exit(2)
}

func cmdPush(args []string) error {
	flags := flag.NewFlagSet("push", flag.ExitOnError)
	serverURL := flags.String("server", "http://localhost:8080", "hatchd server URL")
	app := flags.String("app", "", "application name")
	dir := flags.String("dir", ".", "application directory")
	retries := flags.Int("retries", 5, "retries while the server is busy")
	flags.Parse(args)
	if *app == "" {
		return fmt.Errorf("missing -app")
	}

	data, err := packDir(*dir)
	if err != nil {
		return err
	}
	hash := bundle.Hash(data)
	fmt.Printf("pushing %s (%d bytes, %s)\n", *app, len(data), hash[:12])

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		status, body, err := request(http.MethodPut,
			fmt.Sprintf("%s/_deploy/%s", *serverURL, *app),
			bytes.NewReader(data), hash)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusOK:
			var resp struct {
				Hash    string `json:"hash"`
				Version string `json:"version"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			fmt.Printf("deployed %s version %s\n", resp.Hash[:12], resp.Version)
			return appendHistory(*dir, *app, resp.Hash, resp.Version)
		case http.StatusAccepted:
			if attempt >= *retries {
				return fmt.Errorf("server still busy after %d attempts", attempt+1)
			}
			fmt.Printf("server busy, retrying in %s\n", backoff)
			time.Sleep(backoff)
			backoff *= 2
		default:
			return fmt.Errorf("deploy failed: %d: %s", status, strings.TrimSpace(string(body)))
		}
	}
}

func cmdRollback(args []string) error {
	flags := flag.NewFlagSet("rollback", flag.ExitOnError)
	serverURL := flags.String("server", "http://localhost:8080", "hatchd server URL")
	app := flags.String("app", "", "application name")
	hash := flags.String("hash", "", "content hash to roll back to")
	flags.Parse(args)
	if *app == "" || *hash == "" {
		return fmt.Errorf("missing -app or -hash")
	}

	status, body, err := request(http.MethodPost,
		fmt.Sprintf("%s/_rollback/%s?hash=%s", *serverURL, *app, *hash), nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("rollback failed: %d: %s", status, strings.TrimSpace(string(body)))
	}
	fmt.Printf("rolled %s back to %s\n", *app, (*hash)[:12])
	return nil
}

func cmdHistory(args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	serverURL := flags.String("server", "http://localhost:8080", "hatchd server URL")
	app := flags.String("app", "", "application name")
	flags.Parse(args)
	if *app == "" {
		return fmt.Errorf("missing -app")
	}

	status, body, err := request(http.MethodGet,
		fmt.Sprintf("%s/_deployments/%s", *serverURL, *app), nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("history failed: %d: %s", status, strings.TrimSpace(string(body)))
	}

	var resp struct {
		Current string `json:"current"`
		Records []struct {
			Hash      string `json:"hash"`
			Version   string `json:"version"`
			Timestamp int64  `json:"timestamp"`
			Outcome   string `json:"outcome"`
			Detail    string `json:"detail"`
		} `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	for _, rec := range resp.Records {
		marker := " "
		if rec.Hash == resp.Current {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s  %-11s %-8s %s", marker,
			time.Unix(rec.Timestamp, 0).Format(time.DateTime), rec.Outcome, rec.Version, rec.Hash[:12])
		if rec.Detail != "" {
			line += "  (" + rec.Detail + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func request(method, url string, body io.Reader, hash string) (int, []byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if hash != "" {
		req.Header.Set(hashHeader, hash)
	}
	if token := os.Getenv(tokenEnv); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

// packDir builds a bundle archive from an application directory laid out as
// manifest.json, optional module.wasm, and optional templates/.
func packDir(dir string) ([]byte, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest bundle.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	module, err := os.ReadFile(filepath.Join(dir, "module.wasm"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	templates := make(map[string][]byte)
	templateRoot := filepath.Join(dir, "templates")
	err = filepath.WalkDir(templateRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(templateRoot, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		templates[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return bundle.Build(manifest, module, templates)
}

// appendHistory records a successful push locally, newest last.
func appendHistory(dir, app, hash, version string) error {
	f, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s %s %s\n", time.Now().Format(time.RFC3339), app, hash, version)
	return err
}
