package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/blang/semver"
	"github.com/rhysd/go-github-selfupdate/selfupdate"
	"github.com/urfave/cli"

	"github.com/Rione/carbot/config"
)

// appVersion はビルド時に -ldflags で埋め込む
var appVersion string

const githubRepo = "Rione/carbot"

// getVersion は現在のバージョンを返す。埋め込まれていなければモジュールのバージョン
func getVersion() string {
	if appVersion != "" {
		return appVersion
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return info.Main.Version
}

// updateAction は GitHub の最新リリースを確認し、新しければバイナリを置き換える
func updateAction(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}

	current := getVersion()
	if current == "(devel)" || current == "unknown" || current == "" {
		logger.Info("no version info, skipping update", "version", current)
		return nil
	}
	cur, err := semver.ParseTolerant(current)
	if err != nil {
		return fmt.Errorf("parse version %q: %w", current, err)
	}

	// .env の GITHUB_TOKEN を使う
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{
		APIToken: os.Getenv("GITHUB_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("create updater: %w", err)
	}

	latest, found, err := updater.DetectLatest(githubRepo)
	if err != nil {
		return fmt.Errorf("detect latest release: %w", err)
	}
	if !found {
		logger.Info("no releases found", "repo", githubRepo)
		return nil
	}
	if !latest.Version.GT(cur) {
		logger.Info("current version is the latest", "version", cur.String())
		return nil
	}
	logger.Info("new version available", "current", cur.String(), "latest", latest.Version.String())
	if c.Bool("check") {
		return nil
	}

	if _, err := updater.UpdateSelf(cur, githubRepo); err != nil {
		return fmt.Errorf("update binary: %w", err)
	}
	logger.Info("updated", "version", latest.Version.String())
	return nil
}
