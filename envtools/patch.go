package envtools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/agentrt/agentloop"
)

// Patch markers of the v4a format.
const (
	patchBegin      = "*** Begin Patch"
	patchEnd        = "*** End Patch"
	patchAddFile    = "*** Add File: "
	patchDeleteFile = "*** Delete File: "
	patchUpdateFile = "*** Update File: "
	patchMoveTo     = "*** Move to: "
	patchEndOfFile  = "*** End of File"
	patchHunk       = "@@"
)

func registerApplyPatch(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name: ToolApplyPatch,
			Description: "Apply code changes using the v4a patch format. Supports creating, deleting, " +
				"and modifying files in a single operation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"patch": prop("string", "The patch content in v4a format."),
				},
				"required": []string{"patch"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			patch, ok := p.String("patch")
			if !ok || patch == "" {
				return nil, errors.New("patch is required")
			}
			summary, err := ApplyPatch(env, patch)
			if err != nil {
				return nil, err
			}
			return agentloop.TextOutput(summary), nil
		},
	})
}

type fileOpKind int

const (
	opAdd fileOpKind = iota
	opDelete
	opUpdate
)

type fileOp struct {
	kind    fileOpKind
	path    string
	moveTo  string
	content []string
	hunks   [][]hunkOp
}

// hunkOp is one line of a hunk: ' ' keeps, '-' deletes, '+' adds.
type hunkOp struct {
	op   byte
	line string
}

// ApplyPatch parses a v4a patch and applies it to env. Every hunk must
// match; nothing is written when parsing fails.
func ApplyPatch(env Environment, patch string) (string, error) {
	ops, err := parsePatch(patch)
	if err != nil {
		return "", err
	}

	var results []string
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			if err := env.WriteFile(op.path, strings.Join(op.content, "\n")); err != nil {
				return "", fmt.Errorf("failed to create %s: %w", op.path, err)
			}
			results = append(results, "Created: "+op.path)

		case opDelete:
			if err := env.DeleteFile(op.path); err != nil {
				return "", err
			}
			results = append(results, "Deleted: "+op.path)

		case opUpdate:
			content, err := env.ReadFile(op.path)
			if err != nil {
				return "", fmt.Errorf("cannot read %s for update: %w", op.path, err)
			}
			lines := strings.Split(content, "\n")
			for n, hunk := range op.hunks {
				lines, err = applyHunk(lines, hunk)
				if err != nil {
					return "", fmt.Errorf("%s: hunk %d: %w", op.path, n+1, err)
				}
			}

			target := op.path
			if op.moveTo != "" {
				target = op.moveTo
			}
			if err := env.WriteFile(target, strings.Join(lines, "\n")); err != nil {
				return "", fmt.Errorf("failed to write %s: %w", target, err)
			}
			if op.moveTo != "" {
				if err := env.DeleteFile(op.path); err != nil {
					return "", err
				}
				results = append(results, fmt.Sprintf("Updated and moved: %s -> %s", op.path, op.moveTo))
			} else {
				results = append(results, "Updated: "+op.path)
			}
		}
	}

	if len(results) == 0 {
		return "No operations performed.", nil
	}
	return strings.Join(results, "\n"), nil
}

func parsePatch(patch string) ([]fileOp, error) {
	lines := strings.Split(strings.ReplaceAll(patch, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, errors.New("invalid patch: too short")
	}
	if strings.TrimSpace(lines[0]) != patchBegin {
		return nil, fmt.Errorf("invalid patch: missing %q header", patchBegin)
	}

	var ops []fileOp
	i := 1
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		switch {
		case line == patchEnd || line == "":
			i++

		case strings.HasPrefix(line, patchAddFile):
			op := fileOp{kind: opAdd, path: strings.TrimPrefix(line, patchAddFile)}
			i++
			for i < len(lines) && !strings.HasPrefix(lines[i], "*** ") {
				if strings.HasPrefix(lines[i], "+") {
					op.content = append(op.content, lines[i][1:])
				}
				i++
			}
			ops = append(ops, op)

		case strings.HasPrefix(line, patchDeleteFile):
			ops = append(ops, fileOp{kind: opDelete, path: strings.TrimPrefix(line, patchDeleteFile)})
			i++

		case strings.HasPrefix(line, patchUpdateFile):
			op := fileOp{kind: opUpdate, path: strings.TrimPrefix(line, patchUpdateFile)}
			i++
			if i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), patchMoveTo) {
				op.moveTo = strings.TrimPrefix(strings.TrimSpace(lines[i]), patchMoveTo)
				i++
			}
			op.hunks, i = parseHunks(lines, i)
			if len(op.hunks) == 0 {
				return nil, fmt.Errorf("invalid patch: no hunks for %s", op.path)
			}
			ops = append(ops, op)

		default:
			return nil, fmt.Errorf("invalid patch: unexpected line %q", line)
		}
	}
	return ops, nil
}

// parseHunks reads the hunks of one file section starting at lines[i] and
// returns them with the index of the next section.
func parseHunks(lines []string, i int) ([][]hunkOp, int) {
	var hunks [][]hunkOp
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == patchEndOfFile {
			i++
			continue
		}
		if strings.HasPrefix(trimmed, "*** ") {
			break
		}
		if !strings.HasPrefix(trimmed, patchHunk) {
			i++
			continue
		}

		i++
		var ops []hunkOp
		for i < len(lines) {
			line := lines[i]
			if line == "" {
				i++
				continue
			}
			if t := strings.TrimSpace(line); strings.HasPrefix(t, patchHunk) || strings.HasPrefix(t, "*** ") {
				break
			}
			switch line[0] {
			case ' ', '-', '+':
				ops = append(ops, hunkOp{op: line[0], line: line[1:]})
			}
			i++
		}
		if len(ops) > 0 {
			hunks = append(hunks, ops)
		}
	}
	return hunks, i
}

// applyHunk locates the hunk's leading context and applies its operations.
func applyHunk(fileLines []string, ops []hunkOp) ([]string, error) {
	var anchor []string
	for _, op := range ops {
		if op.op == '+' {
			break
		}
		anchor = append(anchor, op.line)
	}

	pos := 0
	if len(anchor) > 0 {
		pos = findLines(fileLines, anchor)
		if pos < 0 {
			return nil, fmt.Errorf("context not found: %q", anchor[0])
		}
	}

	result := append([]string{}, fileLines[:pos]...)
	for _, op := range ops {
		switch op.op {
		case ' ', '-':
			if pos >= len(fileLines) || !sameLine(fileLines[pos], op.line) {
				return nil, fmt.Errorf("context mismatch at line %d", pos+1)
			}
			if op.op == ' ' {
				result = append(result, fileLines[pos])
			}
			pos++
		case '+':
			result = append(result, op.line)
		}
	}
	return append(result, fileLines[pos:]...), nil
}

func findLines(fileLines, want []string) int {
	for i := 0; i+len(want) <= len(fileLines); i++ {
		match := true
		for j, line := range want {
			if !sameLine(fileLines[i+j], line) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func sameLine(a, b string) bool {
	return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t")
}
