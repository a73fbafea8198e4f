package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gammadia/dasklaunch/client/ui"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var selfUpdateCmd = &cobra.Command{
	Use:   "self-update",
	Short: "Replaces the dasklaunch binary with the latest release, or the given one",
	Args:  cobra.NoArgs,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		tag := lo.Must(cmd.Flags().GetString("version"))
		if tag == "" {
			spinner := ui.NewSpinner("Looking up the latest release")
			if tag, err = fetchLatestVersion(cmd.Context()); err != nil {
				spinner.Fail()
				return fmt.Errorf("failed to find the latest release of %s: %w", repository, err)
			}
			if tag == "" {
				spinner.Fail()
				return fmt.Errorf("%s has no release", repository)
			}
			spinner.Success(fmt.Sprintf("Latest release is %s", tag))
		}
		if tag == version && !lo.Must(cmd.Flags().GetBool("force")) {
			cmd.Printf("dasklaunch %s is already installed\n", version)
			return nil
		}

		url := releaseURL(tag, runtime.GOOS, runtime.GOARCH)
		spinner := ui.NewSpinner(fmt.Sprintf("Downloading %s", url))
		if err := replaceExecutable(cmd.Context(), url, execPath); err != nil {
			spinner.Fail()
			return err
		}
		spinner.Success(fmt.Sprintf("Updated %s to %s", execPath, tag))
		return nil
	},
}

func init() {
	selfUpdateCmd.Flags().String("version", "", "release tag to install instead of the latest one")
	selfUpdateCmd.Flags().Bool("force", false, "install even when the release is the running version")
}

func releaseURL(tag, goos, goarch string) string {
	return fmt.Sprintf("https://github.com/%s/releases/download/%s/dasklaunch-%s-%s", repository, tag, goos, goarch)
}

// replaceExecutable downloads url next to execPath then renames it over execPath, so that a
// failed download never leaves a truncated binary behind.
func replaceExecutable(ctx context.Context, url, execPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download update: HTTP %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(execPath), "dasklaunch-update-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write update: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write update: %w", err)
	}

	if err := os.Chmod(tmpFile.Name(), 0755); err != nil {
		return fmt.Errorf("failed to make update executable: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), execPath); err != nil {
		return fmt.Errorf("failed to replace binary: %w", err)
	}
	return nil
}
