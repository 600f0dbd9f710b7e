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
	"testing"
)

func TestCommitWebURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		remote string
		hash   string
		want   string
		wantOK bool
	}{
		{
			name:   "github_https",
			remote: "https://github.com/a/b",
			hash:   "abc1234",
			want:   "https://github.com/a/b/commit/abc1234",
			wantOK: true,
		},
		{
			name:   "github_https_dot_git",
			remote: "https://github.com/a/b.git",
			hash:   "abc1234",
			want:   "https://github.com/a/b/commit/abc1234",
			wantOK: true,
		},
		{
			name:   "github_scp",
			remote: "git@github.com:a/b.git",
			hash:   "abc1234",
			want:   "https://github.com/a/b/commit/abc1234",
			wantOK: true,
		},
		{
			name:   "gitlab_scp",
			remote: "git@gitlab.com:a/b.git",
			hash:   "abc1234",
			want:   "https://gitlab.com/a/b/-/commit/abc1234",
			wantOK: true,
		},
		{
			name:   "gitlab_https_subgroup",
			remote: "https://gitlab.com/group/sub/repo",
			hash:   "abc1234",
			want:   "https://gitlab.com/group/sub/repo/-/commit/abc1234",
			wantOK: true,
		},
		{
			name:   "bitbucket_https",
			remote: "https://bitbucket.org/a/b.git",
			hash:   "abc1234",
			want:   "https://bitbucket.org/a/b/commits/abc1234",
			wantOK: true,
		},
		{
			name:   "ssh_scheme",
			remote: "ssh://git@github.com/a/b.git",
			hash:   "abc1234",
			want:   "https://github.com/a/b/commit/abc1234",
			wantOK: true,
		},
		{
			name:   "unknown_host",
			remote: "https://git.example.com/a/b",
			hash:   "abc1234",
			wantOK: false,
		},
		{
			name:   "bare_path",
			remote: "a/b",
			wantOK: false,
		},
		{
			name:   "empty",
			remote: "",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := CommitWebURL(tc.remote, tc.hash)
			if ok != tc.wantOK {
				t.Fatalf("CommitWebURL(%q) ok = %v, want %v", tc.remote, ok, tc.wantOK)
			}
			if got != tc.want {
				t.Errorf("expected %q to be %q", got, tc.want)
			}
		})
	}
}

func TestRepoWebURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		remote string
		want   string
		wantOK bool
	}{
		{
			name:   "github_https",
			remote: "https://github.com/a/b",
			want:   "https://github.com/a/b",
			wantOK: true,
		},
		{
			name:   "github_scp_normalized",
			remote: "git@github.com:a/b.git",
			want:   "https://github.com/a/b",
			wantOK: true,
		},
		{
			name:   "uppercase_host_normalized",
			remote: "https://GitHub.com/a/b",
			want:   "https://github.com/a/b",
			wantOK: true,
		},
		{
			name:   "bitbucket_scp",
			remote: "git@bitbucket.org:a/b.git",
			want:   "https://bitbucket.org/a/b",
			wantOK: true,
		},
		{
			name:   "unknown_host",
			remote: "git@git.internal:a/b.git",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := RepoWebURL(tc.remote)
			if ok != tc.wantOK {
				t.Fatalf("RepoWebURL(%q) ok = %v, want %v", tc.remote, ok, tc.wantOK)
			}
			if got != tc.want {
				t.Errorf("expected %q to be %q", got, tc.want)
			}
		})
	}
}
