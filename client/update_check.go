package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// updateCheckCh stays nil when no update check is running
var updateCheckCh chan string

func startUpdateCheck(ctx context.Context) {
	if version == "dev" || !term.IsTerminal(int(os.Stderr.Fd())) {
		return
	}
	updateCheckCh = make(chan string, 1)
	go func() {
		latest, err := fetchLatestVersion(ctx)
		if err != nil || latest == "" || latest <= version {
			updateCheckCh <- ""
			return
		}
		updateCheckCh <- latest
	}()
}

func printUpdateNotice() {
	if updateCheckCh == nil {
		return
	}
	select {
	case latest := <-updateCheckCh:
		if latest != "" {
			fmt.Fprintln(os.Stderr, color.YellowString("› dasklaunch update available %s → %s, run `dasklaunch self-update` to upgrade.", version, latest))
		}
	case <-time.After(1 * time.Second):
	}
}

// fetchLatestVersion returns the tag of the latest release, read from the redirection of the
// 'latest' release page.
func fetchLatestVersion(ctx context.Context) (string, error) {
	url := fmt.Sprintf("https://github.com/%s/releases/latest", repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}

	var latest string
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			parts := strings.Split(req.URL.Path, "/")
			latest = parts[len(parts)-1]
			return http.ErrUseLastResponse
		},
	}

	resp, err := httpClient.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return "", err
	}

	return latest, nil
}

func formatVersion(ver, commitHash string) string {
	hash := commitHash[:min(len(commitHash), 10)]
	if hash == "" || hash == "n/a" {
		return ver
	}
	return fmt.Sprintf("%s (%s)", ver, hash)
}
