/*
 * Copyright 2022 Lunaris DB, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package misc

import (
	"bufio"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ParseDefaultsFile reads a my.cnf style option file and returns the
// key/value pairs of the named group. Keys are lower-cased; bare keys
// (no '=') map to "true". Quoting with single or double quotes is
// honored; '#' and ';' start comments.
func ParseDefaultsFile(path, group string) (map[string]string, error) {
	f, err := os.Open(ExpandUser(path))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read defaults file %s", path)
	}
	defer f.Close()

	options := make(map[string]string)
	inGroup := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if line[0] == '[' {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				return nil, errors.Errorf("defaults file %s: unterminated group header %q", path, line)
			}
			inGroup = strings.EqualFold(strings.TrimSpace(line[1:end]), group)
			continue
		}
		if !inGroup {
			continue
		}
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}
		key, value, found := cutOption(line)
		if !found {
			options[strings.ToLower(key)] = "true"
			continue
		}
		options[strings.ToLower(key)] = unquoteOption(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "cannot read defaults file %s", path)
	}
	return options, nil
}

func cutOption(line string) (key, value string, found bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return strings.TrimSpace(line), "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func unquoteOption(value string) string {
	if len(value) >= 2 {
		if (value[0] == '\'' && value[len(value)-1] == '\'') ||
			(value[0] == '"' && value[len(value)-1] == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// ExpandUser resolves a leading ~ in a path the way the mysql client
// tools do for --defaults-file.
func ExpandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if u, err := user.Current(); err == nil && u.HomeDir != "" {
			return filepath.Join(u.HomeDir, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
