package github

import (
	"encoding/json"
	"fmt"
	"strings"
)

// payload is the subset of a webhook payload the matcher and prompter read.
// The raw body is carried alongside for the {{payload}} template token.
type payload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Issue *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		URL    string `json:"html_url"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	PullRequest *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		URL    string `json:"html_url"`
	} `json:"pull_request"`
	Review *struct {
		State string `json:"state"`
		Body  string `json:"body"`
	} `json:"review"`
	Comment *struct {
		Body string `json:"body"`
		URL  string `json:"html_url"`
	} `json:"comment"`
	CheckRun *struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_run"`
	CheckSuite *struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_suite"`
	WorkflowRun *struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
	WorkflowJob *struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_job"`
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
}

func parsePayload(raw []byte) (*payload, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return &p, nil
}

func (p *payload) labels() []string {
	if p.Issue == nil {
		return nil
	}
	names := make([]string, 0, len(p.Issue.Labels))
	for _, label := range p.Issue.Labels {
		names = append(names, label.Name)
	}
	return names
}

// context builds the event-type-specific synopsis for the {{context}} token.
func (p *payload) context(eventType string) string {
	switch eventType {
	case "issues":
		if p.Issue != nil {
			return fmt.Sprintf("Issue #%d: %s\n%s\n%s", p.Issue.Number, p.Issue.Title, p.Issue.URL, p.Issue.Body)
		}
	case "pull_request":
		if p.PullRequest != nil {
			return fmt.Sprintf("PR #%d: %s\n%s\n%s", p.PullRequest.Number, p.PullRequest.Title, p.PullRequest.URL, p.PullRequest.Body)
		}
	case "pull_request_review":
		if p.Review != nil {
			return fmt.Sprintf("Review (%s): %s", p.Review.State, p.Review.Body)
		}
	case "issue_comment", "pull_request_review_comment":
		if p.Comment != nil {
			return fmt.Sprintf("Comment: %s\n%s", p.Comment.Body, p.Comment.URL)
		}
	case "check_run":
		if p.CheckRun != nil {
			return fmt.Sprintf("Check run %s: %s/%s", p.CheckRun.Name, p.CheckRun.Status, p.CheckRun.Conclusion)
		}
	case "check_suite":
		if p.CheckSuite != nil {
			return fmt.Sprintf("Check suite: %s/%s", p.CheckSuite.Status, p.CheckSuite.Conclusion)
		}
	case "workflow_run":
		if p.WorkflowRun != nil {
			return fmt.Sprintf("Workflow run %s: %s/%s", p.WorkflowRun.Name, p.WorkflowRun.Status, p.WorkflowRun.Conclusion)
		}
	case "workflow_job":
		if p.WorkflowJob != nil {
			return fmt.Sprintf("Workflow job %s: %s/%s", p.WorkflowJob.Name, p.WorkflowJob.Status, p.WorkflowJob.Conclusion)
		}
	case "create", "delete":
		return fmt.Sprintf("%s %s: %s", eventType, p.RefType, p.Ref)
	}
	return ""
}

// title summarizes the event for the background task title.
func (p *payload) title(eventType string) string {
	switch {
	case p.Issue != nil:
		return fmt.Sprintf("#%d %s", p.Issue.Number, p.Issue.Title)
	case p.PullRequest != nil:
		return fmt.Sprintf("#%d %s", p.PullRequest.Number, p.PullRequest.Title)
	default:
		if p.Action != "" {
			return fmt.Sprintf("%s %s", eventType, p.Action)
		}
		return eventType
	}
}

const defaultPromptTemplate = `A GitHub {{event}} event ({{action}}) occurred in {{repo}}.

{{context}}

Full payload:
{{payload}}

Handle this event appropriately.`

// renderPrompt expands the template tokens against one delivery.
func renderPrompt(template, eventType string, p *payload, rawBody []byte) string {
	if template == "" {
		template = defaultPromptTemplate
	}
	replacer := strings.NewReplacer(
		"{{event}}", eventType,
		"{{action}}", p.Action,
		"{{repo}}", p.Repository.FullName,
		"{{context}}", p.context(eventType),
		"{{payload}}", string(rawBody),
	)
	return replacer.Replace(template)
}
