// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caffix/stringset"
)

// CommaSep implements the flag.Value interface.
type CommaSep []string

// String implements the fmt.Stringer interface.
func (c CommaSep) String() string {
	if len(c) == 0 {
		return ""
	}
	return strings.Join(c, ",")
}

// Set implements the flag.Value interface.
func (c *CommaSep) Set(s string) error {
	if s == "" {
		return fmt.Errorf("failed to parse the provided string: %s", s)
	}

	strs := strings.Split(s, ",")
	for _, s := range strs {
		if s = strings.TrimSpace(s); s != "" {
			*c = append(*c, s)
		}
	}
	return nil
}

// FileList returns the distinct entries of the file at p, one per line, in
// file order. Blank lines and lines starting with '#' are skipped.
func FileList(p string) ([]string, error) {
	input, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = input.Close() }()

	set := stringset.New()
	defer set.Close()

	var list []string
	if err := ExtractLines(input, func(str string) error {
		str = strings.TrimSpace(str)
		if str == "" || strings.HasPrefix(str, "#") || set.Has(str) {
			return nil
		}

		set.Insert(str)
		list = append(list, str)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("the file %s has no entries", p)
	}
	return list, nil
}

func ExtractLines(reader io.Reader, cb func(str string) error) error {
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		if err := cb(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
