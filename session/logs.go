// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

// maxLogBytes caps the total log payload attached to a single module
// result before it goes out on the wire
const maxLogBytes = 128 * 1024

// truncateLogs enforces the per-result log budget. Lines are kept whole;
// the first line that would cross the budget is dropped along with
// everything after it.
func truncateLogs(logs []string, alreadyTruncated bool) ([]string, bool) {
	total := 0
	for i, line := range logs {
		total += len(line)
		if total > maxLogBytes {
			return logs[:i], true
		}
	}
	return logs, alreadyTruncated
}
