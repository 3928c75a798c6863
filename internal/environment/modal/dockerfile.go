package modal

import (
	"fmt"
	"os"
	"strings"
)

// replayable lists the instructions Modal can apply on top of a registry image.
// COPY and ADD need a build context, which the SDK does not upload.
var replayable = map[string]bool{
	"RUN":     true,
	"WORKDIR": true,
	"ENV":     true,
	"USER":    true,
	"LABEL":   true,
}

func isDockerContextPath(imageRef string) bool {
	info, err := os.Stat(imageRef)
	return err == nil && info.IsDir()
}

// logicalLines joins backslash continuations and drops blank and comment lines.
func logicalLines(content string) []string {
	var (
		lines []string
		cur   []string
	)
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if body, ok := strings.CutSuffix(line, "\\"); ok {
			cur = append(cur, strings.TrimSpace(body))
			continue
		}
		lines = append(lines, strings.Join(append(cur, line), " "))
		cur = cur[:0]
	}
	if len(cur) > 0 {
		lines = append(lines, strings.Join(cur, " "))
	}
	return lines
}

// parseDockerfile returns the FROM image and the instructions to replay on it.
// Instructions Modal cannot honour without a build context are rejected;
// ones that do not change the filesystem (CMD, EXPOSE, ...) are dropped.
func parseDockerfile(content string) (baseImage string, commands []string, err error) {
	for _, line := range logicalLines(content) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch op := strings.ToUpper(fields[0]); {
		case op == "FROM":
			if len(fields) >= 2 {
				baseImage = fields[1]
			}
		case op == "COPY" || op == "ADD":
			return "", nil, fmt.Errorf("COPY and ADD instructions are not supported: %s", line)
		case replayable[op] && len(fields) > 1:
			commands = append(commands, line)
		}
	}

	if baseImage == "" {
		return "", nil, fmt.Errorf("no FROM instruction found in Dockerfile")
	}
	return baseImage, commands, nil
}
