package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteDefaultConfig writes a commented default config file at path,
// refusing to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	doc := defaultConfigNode()

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(path, buf.Bytes())
}

// writeAtomic writes to a temp file in the target directory, then renames.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".dispatch.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming config into place: %w", err)
	}
	return nil
}

// defaultConfigNode builds the default config as a yaml.Node tree so the
// written file carries section comments.
func defaultConfigNode() *yaml.Node {
	d := Defaults()

	section := func(key, comment string, content ...*yaml.Node) []*yaml.Node {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key, HeadComment: comment}
		mapNode := &yaml.Node{Kind: yaml.MappingNode, Content: content}
		return []*yaml.Node{keyNode, mapNode}
	}
	scalar := func(key, value string) []*yaml.Node {
		return []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: key},
			{Kind: yaml.ScalarNode, Value: value},
		}
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = append(root.Content, section("database", "SQLite store location.",
		scalar("path", d.Database.Path)...)...)
	root.Content = append(root.Content, section("log", "Structured debug log; also enabled by DISPATCH_DEBUG=1.",
		append(scalar("enabled", "false"), scalar("path", d.Log.Path)...)...)...)
	root.Content = append(root.Content, section("engine", "Command processor tuning.",
		append(scalar("queue_capacity", "1000"), scalar("dedup_ttl", "5s")...)...)...)
	root.Content = append(root.Content, section("notify", "Notification transport: log or nats.",
		append(append(scalar("transport", d.Notify.Transport),
			scalar("nats_url", d.Notify.NATSURL)...),
			scalar("drain_interval", "15s")...)...)...)
	root.Content = append(root.Content, section("recovery", "Stuck-workflow detection; 0s keeps per-workflow defaults.",
		scalar("stuck_threshold", "0s")...)...)
	root.Content = append(root.Content, section("tracing", "OpenTelemetry tracing: none, file, stdout or otlp.",
		append(append(append(append(scalar("enabled", "false"),
			scalar("exporter", d.Tracing.Exporter)...),
			scalar("file_path", d.Tracing.FilePath)...),
			scalar("otlp_endpoint", d.Tracing.OTLPEndpoint)...),
			scalar("sample_rate", "1.0")...)...)...)

	return &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
}
