// Package md renders stored pull requests as markdown with YAML frontmatter.
package md

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/bbpulls/internal/model"
)

// frontmatter is the YAML header of a rendered pull request.
type frontmatter struct {
	Repo        string `yaml:"repo"`
	Number      int64  `yaml:"number"`
	URL         string `yaml:"url,omitempty"`
	State       string `yaml:"state"`
	Author      string `yaml:"author,omitempty"`
	Branch      string `yaml:"branch,omitempty"`
	Head        string `yaml:"head,omitempty"`
	MergeCommit string `yaml:"merge_commit,omitempty"`
	CreatedAt   string `yaml:"created_at"`
	UpdatedAt   string `yaml:"updated_at"`
}

// FormatMillis renders epoch milliseconds as an RFC 3339 UTC timestamp.
func FormatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// ToMarkdown renders a pull request, its commits and its comments.
func ToMarkdown(pr *model.PullRequest) string {
	fm := frontmatter{
		Repo:        pr.Repo,
		Number:      pr.Number,
		URL:         pr.ScmURL,
		State:       string(pr.State),
		Author:      pr.Author,
		Branch:      pr.Branch,
		Head:        pr.HeadSHA,
		MergeCommit: pr.MergeSHA,
		CreatedAt:   FormatMillis(pr.CreatedAt),
		UpdatedAt:   FormatMillis(pr.UpdatedAt),
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	header, err := yaml.Marshal(fm)
	if err != nil {
		// Only plain strings and integers; cannot fail.
		panic(fmt.Sprintf("md: marshal frontmatter: %v", err))
	}
	sb.Write(header)
	sb.WriteString("---\n\n")

	fmt.Fprintf(&sb, "# %s\n", pr.Title)

	sb.WriteString("\n## Commits\n\n")
	if len(pr.Commits) == 0 {
		sb.WriteString("_none_\n")
	}
	for _, c := range pr.Commits {
		fmt.Fprintf(&sb, "- `%s` %s", c.SHA, FormatMillis(c.CommitTimestamp))
		if c.Type != "" {
			fmt.Fprintf(&sb, " (%s)", c.Type)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Comments\n")
	if len(pr.Comments) == 0 {
		sb.WriteString("\n_none_\n")
	}
	for _, c := range pr.Comments {
		author := c.Author
		if author == "" {
			author = c.AuthorID
		}
		fmt.Fprintf(&sb, "\n### %s (%s)\n\n", author, FormatMillis(c.CreatedAt))
		sb.WriteString(strings.TrimRight(c.Body, "\n"))
		sb.WriteString("\n")
	}

	return sb.String()
}
