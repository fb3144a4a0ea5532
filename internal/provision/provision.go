// Package provision syncs the agent CLI's home configuration from a
// template directory using prefix-based matching: only entries named
// after this gateway's agent are ever deleted or replaced, so other
// agents' files in the same home are never touched.
package provision

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tgacp/tgacp/internal/config"
)

// maxPrefixFiles is a safety limit: if more entries than this match the
// agent prefix, something is wrong with the prefix and nothing is deleted.
const maxPrefixFiles = 20

// managedSubdirs are the template subdirectories kept in sync.
var managedSubdirs = []string{"agents", "steering", "skills"}

// homePlaceholder in template .json files is replaced with the agent home.
const homePlaceholder = "{{AGENT_HOME}}"

// Provisioner performs the startup sync into the agent home directory.
type Provisioner struct {
	agentName    string
	templatePath string
	agentHome    string
	logger       *slog.Logger
}

// New builds a provisioner for the agent home (~/.kiro by default for the
// kiro CLI family; override with home for tests).
func New(cfg *config.Config, home string, logger *slog.Logger) (*Provisioner, error) {
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".kiro")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		agentName:    cfg.AgentName,
		templatePath: cfg.AgentConfigPath,
		agentHome:    home,
		logger:       logger,
	}, nil
}

// Provision deletes every prefix-matching entry in the managed home
// subdirectories and copies fresh ones from the template. It refuses to
// run when the safety checks fail.
func (p *Provisioner) Provision() error {
	if err := p.safetyChecks(); err != nil {
		return err
	}

	existing, err := p.countPrefixFiles()
	if err != nil {
		return err
	}
	if existing > maxPrefixFiles {
		return fmt.Errorf("safety limit exceeded: %d entries match prefix %q across managed directories (max %d)",
			existing, p.agentName, maxPrefixFiles)
	}

	for _, subdir := range managedSubdirs {
		srcDir := filepath.Join(p.templatePath, subdir)
		dstDir := filepath.Join(p.agentHome, subdir)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dstDir, err)
		}
		if err := p.syncPrefix(srcDir, dstDir); err != nil {
			return err
		}
	}

	agentJSON := filepath.Join(p.agentHome, "agents", p.agentName+".json")
	if fi, err := os.Stat(agentJSON); err != nil || fi.IsDir() {
		return fmt.Errorf("agent config not found after provisioning: %s", agentJSON)
	}

	p.logger.Info("provisioned agent home", "home", p.agentHome, "prefix", p.agentName)
	return nil
}

// TopicOverride writes a per-workspace agent definition so a single topic
// can run with custom steering.
func (p *Provisioner) TopicOverride(workspacePath string, agentConfig map[string]any) error {
	dir := filepath.Join(workspacePath, ".kiro", "agents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create override dir: %w", err)
	}

	data, err := json.MarshalIndent(agentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}

	file := filepath.Join(dir, p.agentName+".json")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("write override: %w", err)
	}
	p.logger.Info("created topic override", "file", file)
	return nil
}

func (p *Provisioner) safetyChecks() error {
	if len(p.agentName) < 3 {
		return fmt.Errorf("agent name must be >= 3 characters, got %q", p.agentName)
	}
	if !config.AgentNamePattern.MatchString(p.agentName) {
		return fmt.Errorf("agent name must match ^[a-zA-Z0-9_-]+$, got %q", p.agentName)
	}

	agentTemplate := filepath.Join(p.templatePath, "agents", p.agentName+".json")
	if fi, err := os.Stat(agentTemplate); err != nil || fi.IsDir() {
		return fmt.Errorf("template must contain agent JSON: %s", agentTemplate)
	}
	return nil
}

func (p *Provisioner) countPrefixFiles() (int, error) {
	count := 0
	for _, subdir := range managedSubdirs {
		entries, err := os.ReadDir(filepath.Join(p.agentHome, subdir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", subdir, err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), p.agentName) {
				count++
			}
		}
	}
	return count, nil
}

func (p *Provisioner) syncPrefix(srcDir, dstDir string) error {
	// Delete matching entries in the destination.
	entries, err := os.ReadDir(dstDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scan %s: %w", dstDir, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), p.agentName) {
			continue
		}
		path := filepath.Join(dstDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		p.logger.Debug("deleted", "path", path)
	}

	// Copy matching entries from the template.
	entries, err = os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan %s: %w", srcDir, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), p.agentName) {
			continue
		}
		src := filepath.Join(srcDir, e.Name())
		dst := filepath.Join(dstDir, e.Name())

		switch {
		case e.IsDir():
			if err := copyTree(src, dst); err != nil {
				return err
			}
		case filepath.Ext(e.Name()) == ".json":
			content, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("read %s: %w", src, err)
			}
			substituted := strings.ReplaceAll(string(content), homePlaceholder, p.agentHome)
			if err := os.WriteFile(dst, []byte(substituted), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", dst, err)
			}
		default:
			if err := copyFile(src, dst); err != nil {
				return err
			}
		}
		p.logger.Debug("copied", "src", src, "dst", dst)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return nil
}
