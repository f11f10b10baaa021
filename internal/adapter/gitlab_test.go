package adapter_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"tasklens.dev/processor/internal/adapter"
)

const gitlabNotePayload = `{
	"object_kind": "note",
	"user": {"username": "reviewer"},
	"project": {"id": 42, "path_with_namespace": "acme/platform/api"},
	"object_attributes": {
		"note": "The login endpoint times out on mobile.",
		"noteable_type": "Issue",
		"url": "https://gitlab.example/acme/platform/api/-/issues/7#note_1",
		"discussion_id": "abc123",
		"created_at": "2026-03-01 10:30:00 UTC"
	},
	"issue": {"iid": 7, "title": "Login is broken"}
}`

var _ = Describe("GitLabAdapter", func() {
	var a *adapter.GitLabAdapter

	BeforeEach(func() {
		a = adapter.NewGitLabAdapter()
	})

	Describe("ParseIncoming", func() {
		It("normalizes a note hook into a parsed discussion", func() {
			parsed, err := a.ParseIncoming([]byte(gitlabNotePayload), nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(parsed.SourceType).To(Equal("gitlab"))
			Expect(parsed.SourceThreadID).To(Equal("42/7/abc123"))
			Expect(parsed.TeamID).To(Equal("acme/platform"))
			Expect(parsed.AuthorHandle).To(Equal("reviewer"))
			Expect(parsed.Title).To(Equal("Login is broken"))
			Expect(parsed.Content).To(ContainSubstring("times out on mobile"))
			Expect(parsed.Metadata).To(HaveKeyWithValue("projectId", "42"))
			Expect(parsed.Metadata).To(HaveKeyWithValue("discussionId", "abc123"))
			Expect(parsed.Timestamp.Year()).To(Equal(2026))
		})

		It("rejects non-note payloads", func() {
			_, err := a.ParseIncoming([]byte(`{"object_kind": "push"}`), nil)

			ae, ok := adapter.AsAdapterError(err)
			Expect(ok).To(BeTrue())
			Expect(ae.Op).To(Equal("parse"))
			Expect(ae.Retryable).To(BeFalse())
		})

		It("rejects notes on non-issue objects", func() {
			payload := `{
				"object_kind": "note",
				"project": {"path_with_namespace": "acme/api"},
				"object_attributes": {"noteable_type": "MergeRequest"}
			}`
			_, err := a.ParseIncoming([]byte(payload), nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("noteable type"))
		})

		It("fails descriptively when no team can be resolved", func() {
			payload := `{
				"object_kind": "note",
				"project": {"id": 1, "path_with_namespace": "orphan"},
				"object_attributes": {"noteable_type": "Issue"}
			}`
			_, err := a.ParseIncoming([]byte(payload), nil)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("cannot resolve team"))
		})

		It("rejects malformed JSON", func() {
			_, err := a.ParseIncoming([]byte(`{not json`), nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ValidateConfig", func() {
		It("requires a token", func() {
			result := a.ValidateConfig(adapter.SourceConfig{})
			Expect(result.Valid).To(BeFalse())
			Expect(result.Errors).To(ContainElement("token is required"))
		})

		It("accepts a token with an https base url", func() {
			result := a.ValidateConfig(adapter.SourceConfig{
				Token:   "glpat-x",
				BaseURL: "https://gitlab.example",
			})
			Expect(result.Valid).To(BeTrue())
		})

		It("rejects a non-http base url", func() {
			result := a.ValidateConfig(adapter.SourceConfig{Token: "t", BaseURL: "gitlab.example"})
			Expect(result.Valid).To(BeFalse())
		})
	})
})

var _ = Describe("Registry", func() {
	It("dispatches by source type", func() {
		r := adapter.NewRegistry(adapter.NewGitLabAdapter(), adapter.NewChatAdapter())

		a, err := r.Get("gitlab")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.SourceType()).To(Equal("gitlab"))

		Expect(r.SourceTypes()).To(Equal([]string{"chat", "gitlab"}))
	})

	It("treats unknown source types as configuration errors", func() {
		r := adapter.NewRegistry()
		_, err := r.Get("jira")
		Expect(err).To(MatchError(adapter.ErrUnknownSourceType))
	})
})
