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

// Package version exposes the build version information for the runtel
// binary. The values are overridden at build time via ldflags.
package version

var (
	// Name is the name of the binary.
	Name = "runtel"

	// Version is the main package version.
	Version = "source"

	// Commit is the git sha of the build.
	Commit = "HEAD"

	// HumanVersion is the compiled version, suitable for display.
	HumanVersion = Name + " " + Version + " (" + Commit + ")"
)
