// Package scenario loads declarative test descriptors from YAML files and
// registers them as executable test cases. Descriptors replace import-time
// registration side effects: the set of tests is a table read during an
// explicit initialization phase.
package scenario

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"toolprobe/internal/cache"
	"toolprobe/internal/config"
	"toolprobe/internal/registry"
	"toolprobe/pkg/logging"
)

// Descriptor is one declarative test definition.
type Descriptor struct {
	// Name is the unique test name.
	Name string `yaml:"name"`
	// Tool is the endpoint tool to invoke.
	Tool string `yaml:"tool"`
	// Category groups related tests.
	Category string `yaml:"category"`
	// Priority orders tests within a category, higher first.
	Priority int `yaml:"priority,omitempty"`
	// RequiresAuth marks tests needing an authenticated endpoint.
	RequiresAuth bool `yaml:"requires_auth,omitempty"`
	// Timeout overrides the per-test deadline.
	Timeout config.Duration `yaml:"timeout,omitempty"`
	// Tags provide additional categorization.
	Tags []string `yaml:"tags,omitempty"`
	// Skip marks the test as intentionally skipped.
	Skip bool `yaml:"skip,omitempty"`
	// SkipReason explains the skip in the run output.
	SkipReason string `yaml:"skip_reason,omitempty"`
	// Args are the tool arguments.
	Args map[string]interface{} `yaml:"args,omitempty"`
	// Expected defines the expected outcome of the call.
	Expected Expectation `yaml:"expected"`

	// sourceFile and sourceHash identify where the descriptor came from,
	// for cache invalidation.
	sourceFile string
	sourceHash string
}

// Expectation defines what result is expected from the tool call.
type Expectation struct {
	// Success indicates whether the call should succeed (no tool error).
	Success bool `yaml:"success"`
	// Contains checks that the response text contains each entry.
	Contains []string `yaml:"contains,omitempty"`
	// NotContains checks that the response text contains none of the
	// entries.
	NotContains []string `yaml:"not_contains,omitempty"`
	// ErrorContains checks that the tool error text contains each entry.
	// Only meaningful when Success is false.
	ErrorContains []string `yaml:"error_contains,omitempty"`
}

// descriptorFile is the on-disk document shape: either one descriptor or a
// "tests" list.
type descriptorFile struct {
	Tests []Descriptor `yaml:"tests"`
}

// LoadPath loads descriptors from a YAML file, or from every *.yaml/*.yml
// file under a directory.
func LoadPath(path string) ([]Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path does not exist: %s", path)
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	var all []Descriptor
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		descs, err := loadFile(p)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		all = append(all, descs...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("Scenario", "Loaded %d test descriptors from %s", len(all), path)
	return all, nil
}

func loadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor file: %w", err)
	}
	fileHash := hashBytes(data)

	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor file: %w", err)
	}

	descs := file.Tests
	if len(descs) == 0 {
		// Single-descriptor document.
		var single Descriptor
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse descriptor file: %w", err)
		}
		if single.Name == "" {
			return nil, fmt.Errorf("descriptor file %s defines no tests", path)
		}
		descs = []Descriptor{single}
	}

	for i := range descs {
		if descs[i].Name == "" {
			return nil, fmt.Errorf("descriptor %d in %s has no name", i, path)
		}
		if descs[i].Tool == "" {
			return nil, fmt.Errorf("descriptor %q has no tool", descs[i].Name)
		}
		descs[i].sourceFile = path
		descs[i].sourceHash = fileHash
	}
	return descs, nil
}

// ToolCaller performs one logical tool call. The resilient invoker (with
// its auth-refresh wrapper) satisfies this.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Register converts descriptors into test cases calling through the given
// caller and registers them.
func Register(reg *registry.Registry, caller ToolCaller, descs []Descriptor) error {
	for _, desc := range descs {
		desc := desc
		tc := registry.TestCase{
			Name:         desc.Name,
			Tool:         desc.Tool,
			Category:     desc.Category,
			Priority:     desc.Priority,
			RequiresAuth: desc.RequiresAuth,
			Timeout:      desc.Timeout.Std(),
			Tags:         desc.Tags,
			Run: func(ctx context.Context, rc registry.RunContext) error {
				return runDescriptor(ctx, caller, desc)
			},
		}
		if err := reg.Register(tc); err != nil {
			return err
		}
	}
	return nil
}

// runDescriptor executes one descriptor: invoke the tool and validate the
// expectations against the response.
func runDescriptor(ctx context.Context, caller ToolCaller, desc Descriptor) error {
	if desc.Skip {
		reason := desc.SkipReason
		if reason == "" {
			reason = "marked skip in test definition"
		}
		return registry.Skip(reason)
	}

	result, err := caller.CallTool(ctx, desc.Tool, desc.Args)
	if err != nil {
		// Transport-level failure. An expected-to-fail test still fails
		// here: the expectation is about the tool's answer, not about the
		// endpoint being unreachable.
		return fmt.Errorf("tool call failed: %w", err)
	}

	return validate(desc.Expected, result)
}

// validate checks the response against the expectation, mirroring how the
// response text is flattened for matching.
func validate(expected Expectation, result *mcp.CallToolResult) error {
	if result == nil {
		return fmt.Errorf("no response from tool")
	}

	text := flattenContent(result)

	if expected.Success && result.IsError {
		return fmt.Errorf("expected success but tool returned error: %s", truncate(text, 200))
	}
	if !expected.Success {
		if !result.IsError {
			return fmt.Errorf("expected tool error but call succeeded")
		}
		for _, want := range expected.ErrorContains {
			if !strings.Contains(text, want) {
				return fmt.Errorf("error text does not contain %q: %s", want, truncate(text, 200))
			}
		}
	}

	for _, want := range expected.Contains {
		if !strings.Contains(text, want) {
			return fmt.Errorf("response does not contain %q", want)
		}
	}
	for _, unwanted := range expected.NotContains {
		if strings.Contains(text, unwanted) {
			return fmt.Errorf("response contains unwanted %q", unwanted)
		}
	}
	return nil
}

// flattenContent joins the text content blocks of a response.
func flattenContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, textContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Hashes computes the content hashes used by the result cache for this
// descriptor: the tool hash covers the call definition (tool, args,
// expectations), the deps hash covers the endpoint, the framework hash
// covers the engine version, and the test-file hash covers the raw
// descriptor file.
func (d Descriptor) Hashes(endpoint, version string) cache.Hashes {
	return cache.Hashes{
		Tool:      d.definitionHash(),
		Deps:      hashString(endpoint),
		Framework: hashString(version),
		TestFile:  d.sourceHash,
	}
}

// definitionHash hashes the fields of the descriptor that affect its
// outcome. JSON with sorted keys gives a canonical encoding.
func (d Descriptor) definitionHash() string {
	canonical := struct {
		Tool     string                 `json:"tool"`
		Args     map[string]interface{} `json:"args"`
		Expected Expectation            `json:"expected"`
	}{d.Tool, d.Args, d.Expected}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Unmarshallable args make the definition unhashable; an empty
		// hash simply disables cache skips for this test.
		return ""
	}
	return hashBytes(data)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

// HashFuncFor returns the scheduler hash function for a loaded descriptor
// set. Tests registered outside the descriptor set get no hashes and are
// never cache-skipped.
func HashFuncFor(descs []Descriptor, endpoint, version string) func(tc registry.TestCase) (cache.Hashes, bool) {
	byName := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}
	return func(tc registry.TestCase) (cache.Hashes, bool) {
		d, ok := byName[tc.Name]
		if !ok {
			return cache.Hashes{}, false
		}
		h := d.Hashes(endpoint, version)
		if h.Tool == "" {
			return cache.Hashes{}, false
		}
		return h, true
	}
}

// Names returns the descriptor names, sorted.
func Names(descs []Descriptor) []string {
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}
