package main

import (
	"archive/tar"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/docker"
	"github.com/trinity/trinity/internal/secrets"
)

// runStop signals a running control plane and waits for it to exit.
func runStop() error {
	data, err := os.ReadFile(pidFile())
	if err != nil {
		return fmt.Errorf("trinity does not appear to be running")
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("corrupt pid file %s", pidFile())
	}
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		_ = os.Remove(pidFile())
		return fmt.Errorf("trinity does not appear to be running")
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			fmt.Println("trinity stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("trinity (pid %d) did not stop within 30s", pid)
}

// runBuildBaseImage builds the agent base container image from a build
// context directory.
func runBuildBaseImage(args []string) error {
	fs := flag.NewFlagSet("build-base-image", flag.ExitOnError)
	contextDir := fs.String("context", "", "build context directory (must contain a Dockerfile)")
	tag := fs.String("tag", "", "image tag (defaults to docker.baseImage from config)")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *tag == "" {
		*tag = cfg.Docker.BaseImage
	}
	if *contextDir == "" {
		return fmt.Errorf("-context is required")
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console"})
	if err != nil {
		return err
	}
	client, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer client.Close()

	fmt.Printf("building %s from %s\n", *tag, *contextDir)
	if err := client.BuildImage(context.Background(), *contextDir, *tag, os.Stdout); err != nil {
		return err
	}
	fmt.Println("image built")
	return nil
}

// backupMembers are the files a backup archive carries, relative to the
// data directory.
var backupMembers = []string{"trinity.db", secrets.MasterKeyFile}

// runBackup archives the sqlite database and the secret-store master key.
// Postgres deployments back the database up with their own tooling.
func runBackup(target string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("backup covers sqlite deployments; use pg_dump for postgres")
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	sources := map[string]string{
		"trinity.db":          cfg.Database.Path,
		secrets.MasterKeyFile: filepath.Join(config.DataDir(), secrets.MasterKeyFile),
	}
	for name, path := range sources {
		if err := addToTar(tw, name, path); err != nil {
			return err
		}
	}
	fmt.Printf("backup written to %s\n", target)
	return nil
}

func addToTar(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// runRestore unpacks a backup archive into the data directory. Refuses to
// touch state while the control plane is running.
func runRestore(source string) error {
	if data, err := os.ReadFile(pidFile()); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && processAlive(pid) {
			return fmt.Errorf("stop trinity before restoring")
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	targets := map[string]string{
		"trinity.db":          cfg.Database.Path,
		secrets.MasterKeyFile: filepath.Join(config.DataDir(), secrets.MasterKeyFile),
	}

	if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
		return err
	}

	tr := tar.NewReader(in)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		dest, ok := targets[filepath.Base(hdr.Name)]
		if !ok {
			continue
		}
		if err := writeRestored(dest, tr); err != nil {
			return err
		}
		restored++
	}
	if restored == 0 {
		return fmt.Errorf("archive contains none of %v", backupMembers)
	}
	fmt.Printf("restored %d file(s)\n", restored)
	return nil
}

func writeRestored(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	// Cap the copy: a crafted archive must not fill the disk.
	if _, err := io.Copy(f, io.LimitReader(r, 10<<30)); err != nil {
		return err
	}
	return nil
}
