package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
	"github.com/voxtro/backend/integrations/llm"
	"github.com/voxtro/backend/platform/notify"
)

// maxTranscript bounds the transcript sent to the classifier
const maxTranscript = 30000

const classifierPrompt = `You analyze conversations between a business's AI assistant and a visitor or caller.
Decide whether the visitor is a potential customer (a lead) and extract their contact details.

Reply with a single JSON object and nothing else, using exactly these fields:
{
  "is_lead": boolean,        // true if the visitor shows buying intent or asks to be contacted
  "name": string,            // the visitor's name, "" if unknown
  "email": string,           // "" if unknown
  "phone": string,           // "" if unknown
  "company": string,         // "" if unknown
  "interest": string,        // what the visitor is interested in
  "qualification": "hot" | "warm" | "cold",
  "score": integer,          // 0-100, how likely the visitor is to buy
  "summary": string          // one or two sentences for the sales team
}
Never invent contact details which are not in the conversation.`

const correctionPrompt = `Your previous reply was not valid JSON. Reply again with only the JSON object, without markdown or commentary.`

// classification is the classifier's answer
type classification struct {
	IsLead        bool    `json:"is_lead"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	Company       string  `json:"company"`
	Interest      string  `json:"interest"`
	Qualification string  `json:"qualification"`
	Score         float64 `json:"score"`
	Summary       string  `json:"summary"`
}

// normalize clamps the score and derives a missing or invalid qualification from it
func (c *classification) normalize() {
	if c.Score < 0 {
		c.Score = 0
	}
	if c.Score > 100 {
		c.Score = 100
	}
	c.Qualification = strings.ToLower(strings.TrimSpace(c.Qualification))
	switch c.Qualification {
	case QualificationHot, QualificationWarm, QualificationCold:
	default:
		c.Qualification = QualificationFromScore(int(c.Score))
	}
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)
	c.Company = strings.TrimSpace(c.Company)
}

func (c *classification) hasContact() bool {
	return c.Name != "" || c.Email != "" || c.Phone != ""
}

// QualificationFromScore maps a score to a qualification: 70 and more is hot, 40
// and more is warm, everything else is cold.
func QualificationFromScore(score int) string {
	switch {
	case score >= 70:
		return QualificationHot
	case score >= 40:
		return QualificationWarm
	}
	return QualificationCold
}

func parseClassification(reply string) (*classification, error) {
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	var c classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("%w: %s", llm.ErrNoJSON, err)
	}
	return &c, nil
}

// classify asks the LLM about a transcript. A reply which is not valid JSON is
// retried once with a corrective follow-up.
func (s *Service) classify(ctx context.Context, transcript string) (*classification, error) {
	temperature := float32(0.1)
	req := llm.Request{
		System:      classifierPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Conversation:\n\n" + core.Truncate(transcript, maxTranscript)}},
		JSON:        true,
		Temperature: &temperature,
	}
	reply, err := s.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	c, err := parseClassification(reply)
	if err == nil {
		return c, nil
	}
	logger.FromContext(ctx).Warnf("classifier reply is not JSON, retrying: %v", err)

	req.Messages = append(req.Messages,
		llm.Message{Role: llm.RoleAssistant, Content: reply},
		llm.Message{Role: llm.RoleUser, Content: correctionPrompt},
	)
	reply, err = s.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseClassification(reply)
}

// extract is the job handler of EventType
func (s *Service) extract(ctx context.Context, e jobs.Event) error {
	log := logger.FromContext(ctx).WithField("source", e.Resource+"/"+e.ResourceID.String())
	source := s.source(e.Resource)
	if source == nil {
		log.Errorf("Error 5701: no lead source for %s", e.Resource)
		return nil
	}
	t, err := source.Transcript(ctx, e.ResourceID)
	if errors.Is(err, core.ErrNotFound) {
		log.Infoln("conversation is gone, no lead to extract")
		return nil
	}
	if err != nil {
		return err
	}

	if strings.TrimSpace(t.Text) == "" || t.UserTurns < 2 {
		log.Debugf("conversation too short for a lead (%d user turns)", t.UserTurns)
		return source.MarkProcessed(ctx, e.ResourceID)
	}
	if s.completer == nil {
		log.Warnln("no LLM configured, cannot extract leads")
		return nil
	}

	c, err := s.classify(ctx, t.Text)
	if err != nil {
		log.Errorf("Error 5702: lead classification failed: %v", err)
		return err
	}
	c.normalize()

	if c.IsLead && c.hasContact() {
		lead, created, err := s.upsert(ctx, Lead{
			OrganizationID: t.OrganizationID,
			SourceType:     e.Resource,
			SourceID:       e.ResourceID,
			AssetID:        t.AssetID,
			Name:           c.Name,
			Email:          c.Email,
			Phone:          c.Phone,
			Company:        c.Company,
			Interest:       c.Interest,
			Qualification:  c.Qualification,
			Score:          int(c.Score),
			Summary:        c.Summary,
		})
		if err != nil {
			return err
		}
		metrics.LeadsTotal.WithLabelValues(e.Resource, lead.Qualification).Inc()
		log.Infof("extracted %s lead %s with score %d", lead.Qualification, lead.ID, lead.Score)
		if created {
			s.announce(ctx, lead)
		}
	} else {
		log.Debugln("conversation contains no lead")
	}
	return source.MarkProcessed(ctx, e.ResourceID)
}

func (s *Service) announce(ctx context.Context, lead *Lead) {
	who := lead.Name
	for _, alt := range []string{lead.Email, lead.Phone} {
		if who == "" {
			who = alt
		}
	}
	body := lead.Summary
	if lead.Interest != "" {
		body += "\nInterested in: " + lead.Interest
	}
	link := ""
	if s.appURL != "" {
		link = s.appURL + "/leads/" + lead.ID.String()
	}
	err := s.notifier.Notify(ctx, notify.Notice{
		OrganizationID: lead.OrganizationID,
		Kind:           notify.KindLeadCreated,
		Title:          fmt.Sprintf("New %s lead: %s", lead.Qualification, who),
		Body:           body,
		Link:           link,
	})
	if err != nil {
		logger.FromContext(ctx).Warnf("cannot announce lead %s: %v", lead.ID, err)
	}
}
