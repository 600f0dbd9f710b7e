// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runs

import (
	"net/url"
	"strings"
)

// splitRemote parses a git remote in HTTPS, ssh:// or scp-like form into a
// lowercase host and a trimmed repository path without the .git suffix.
func splitRemote(remote string) (host, path string, ok bool) {
	r := strings.TrimSpace(remote)
	switch {
	case strings.HasPrefix(r, "https://"), strings.HasPrefix(r, "http://"), strings.HasPrefix(r, "ssh://"):
		u, err := url.Parse(r)
		if err != nil {
			return "", "", false
		}
		host = u.Hostname()
		path = strings.Trim(u.Path, "/")
	case strings.Contains(r, "@"):
		// scp-like form: git@host:owner/repo.git
		rest := r[strings.Index(r, "@")+1:]
		var found bool
		host, path, found = strings.Cut(rest, ":")
		if !found {
			return "", "", false
		}
		path = strings.Trim(path, "/")
	default:
		return "", "", false
	}

	host = strings.ToLower(host)
	path = strings.TrimSuffix(path, ".git")
	if host == "" || path == "" {
		return "", "", false
	}
	return host, path, true
}

// RepoWebURL derives the canonical HTTPS browse URL for a git remote.
// Remotes on hosts other than github.com, gitlab.com and bitbucket.org
// yield ok=false.
func RepoWebURL(remote string) (string, bool) {
	host, path, ok := splitRemote(remote)
	if !ok {
		return "", false
	}
	switch host {
	case "github.com", "gitlab.com", "bitbucket.org":
		return "https://" + host + "/" + path, true
	}
	return "", false
}

// CommitWebURL derives the platform-specific commit URL for a git remote
// and commit hash. Unknown hosts yield ok=false.
func CommitWebURL(remote, hash string) (string, bool) {
	host, path, ok := splitRemote(remote)
	if !ok {
		return "", false
	}
	base := "https://" + host + "/" + path
	switch host {
	case "github.com":
		return base + "/commit/" + hash, true
	case "gitlab.com":
		return base + "/-/commit/" + hash, true
	case "bitbucket.org":
		return base + "/commits/" + hash, true
	}
	return "", false
}
