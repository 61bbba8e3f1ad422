// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package run

import (
	"regexp"
	"sort"
)

// Source is the citation attached to a fragment.
type Source struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	App        string `json:"app,omitempty"`
	Entity     string `json:"entity,omitempty"`
}

// Fragment is one citable unit of evidence gathered during a run.
type Fragment struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Source     Source   `json:"source"`
	Confidence float64  `json:"confidence"`
	ChunkIndex int      `json:"chunkIndex,omitempty"`
	Images     []string `json:"images,omitempty"`
}

// ImageReference records an image discovered in fragment content or
// attached by the user.
type ImageReference struct {
	FileName         string `json:"fileName"`
	AddedAtTurn      int    `json:"addedAtTurn"`
	SourceFragmentID string `json:"sourceFragmentId,omitempty"`
	SourceToolName   string `json:"sourceToolName,omitempty"`
	IsUserAttachment bool   `json:"isUserAttachment"`
}

// imageFilenamePattern matches names of the form {docIndex}_{docId}_{pageOrChunk}.
var imageFilenamePattern = regexp.MustCompile(`\b(\d+)_([A-Za-z0-9-]+)_(\d+)(?:\.(?:png|jpe?g|gif|webp))?\b`)

// ExtractImageFilenames scans content for embedded image filename references.
func ExtractImageFilenames(content string) []string {
	matches := imageFilenamePattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// FragmentStore accumulates fragments and images over the life of a run,
// partitioned by turn, and tracks every document id ever seen.
type FragmentStore struct {
	all          []*Fragment
	byTurn       map[int][]*Fragment
	seenDocs     map[string]struct{}
	images       []*ImageReference
	imagesByTurn map[int][]*ImageReference
}

func NewFragmentStore() *FragmentStore {
	return &FragmentStore{
		byTurn:       make(map[int][]*Fragment),
		seenDocs:     make(map[string]struct{}),
		imagesByTurn: make(map[int][]*ImageReference),
	}
}

// Add stores fragments for a turn and marks their ids and document ids as
// seen. Fragments whose id was already seen are dropped.
func (s *FragmentStore) Add(turn int, fragments ...*Fragment) []*Fragment {
	added := make([]*Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f == nil || f.ID == "" {
			continue
		}
		if s.Seen(f.ID) {
			continue
		}
		s.seenDocs[f.ID] = struct{}{}
		if f.Source.DocumentID != "" {
			s.seenDocs[f.Source.DocumentID] = struct{}{}
		}
		s.all = append(s.all, f)
		s.byTurn[turn] = append(s.byTurn[turn], f)
		added = append(added, f)
	}
	return added
}

// Seen reports whether a fragment or document id has been gathered before.
func (s *FragmentStore) Seen(id string) bool {
	_, ok := s.seenDocs[id]
	return ok
}

// MarkSeen records ids without storing fragments, used for excludedIds
// injection.
func (s *FragmentStore) MarkSeen(ids ...string) {
	for _, id := range ids {
		if id != "" {
			s.seenDocs[id] = struct{}{}
		}
	}
}

// SeenDocuments returns the sorted set of every seen id.
func (s *FragmentStore) SeenDocuments() []string {
	out := make([]string, 0, len(s.seenDocs))
	for id := range s.seenDocs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// All returns every fragment in insertion order.
func (s *FragmentStore) All() []*Fragment {
	return s.all
}

// ForTurn returns the fragments gathered in a specific turn.
func (s *FragmentStore) ForTurn(turn int) []*Fragment {
	return s.byTurn[turn]
}

// ByID finds a fragment by its id.
func (s *FragmentStore) ByID(id string) (*Fragment, bool) {
	for _, f := range s.all {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// AddImage records an image reference for a turn.
func (s *FragmentStore) AddImage(turn int, ref *ImageReference) {
	if ref == nil || ref.FileName == "" {
		return
	}
	for _, existing := range s.images {
		if existing.FileName == ref.FileName {
			return
		}
	}
	s.images = append(s.images, ref)
	s.imagesByTurn[turn] = append(s.imagesByTurn[turn], ref)
}

// Images returns every recorded image reference in insertion order.
func (s *FragmentStore) Images() []*ImageReference {
	return s.images
}

// ImagesForTurn returns the image references recorded in a specific turn.
func (s *FragmentStore) ImagesForTurn(turn int) []*ImageReference {
	return s.imagesByTurn[turn]
}

// SelectImagesForSynthesis orders images for the final synthesis prompt:
// user attachments first, then most recent first, capped at max.
func (s *FragmentStore) SelectImagesForSynthesis(max int) []*ImageReference {
	if max <= 0 || len(s.images) == 0 {
		return nil
	}

	ordered := make([]*ImageReference, len(s.images))
	copy(ordered, s.images)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].IsUserAttachment != ordered[j].IsUserAttachment {
			return ordered[i].IsUserAttachment
		}
		return ordered[i].AddedAtTurn > ordered[j].AddedAtTurn
	})

	if len(ordered) > max {
		ordered = ordered[:max]
	}
	return ordered
}

// Count returns the number of stored fragments.
func (s *FragmentStore) Count() int {
	return len(s.all)
}
