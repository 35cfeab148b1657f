package web

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
	"github.com/gorilla/feeds"
)

const defaultDeadLetterLimit = 100

// DeadLetterView is the admin representation of a parked job
type DeadLetterView struct {
	Id          string    `json:"id"`
	Category    string    `json:"category"`
	SourceActor string    `json:"sourceActor"`
	Inbox       string    `json:"inbox"`
	Object      string    `json:"object,omitempty"`
	Attempts    int       `json:"attempts"`
	Code        string    `json:"code"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"createdAt"`
	FailedAt    time.Time `json:"failedAt"`
}

func newDeadLetterView(job *domain.DeliveryJob) DeadLetterView {
	return DeadLetterView{
		Id:          job.Id.String(),
		Category:    string(job.Category),
		SourceActor: job.SourceActorURI,
		Inbox:       job.InboxURI,
		Object:      job.ObjectURI,
		Attempts:    job.Attempts,
		Code:        job.LastCode,
		Error:       job.LastError,
		CreatedAt:   job.CreatedAt,
		FailedAt:    job.UpdatedAt,
	}
}

// GetDeadLetters lists parked jobs, most recent first
func GetDeadLetters(ctx context.Context, store Store, limit int) ([]DeadLetterView, error) {
	jobs, err := store.ReadDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]DeadLetterView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newDeadLetterView(job))
	}
	return views, nil
}

// GetDeadLetterFeed renders parked jobs as an Atom feed for operators
func GetDeadLetterFeed(ctx context.Context, store Store, conf *util.AppConfig, limit int, now time.Time) (string, error) {
	jobs, err := store.ReadDeadLetters(ctx, limit)
	if err != nil {
		return "", err
	}

	link := fmt.Sprintf("https://%s/admin/deadletters", conf.Conf.SslDomain)
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s dead letters - %s", util.Name, conf.Conf.SslDomain),
		Link:        &feeds.Link{Href: link},
		Description: "federation jobs that exhausted their retries or failed permanently",
		Author:      &feeds.Author{Name: util.Name},
		Created:     now,
	}

	for _, job := range jobs {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          fmt.Sprintf("urn:uuid:%s", job.Id),
			Title:       fmt.Sprintf("[%s] %s to %s", job.LastCode, job.Category, job.InboxURI),
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/%s", link, job.Id)},
			Description: fmt.Sprintf("%d attempts from %s: %s", job.Attempts, job.SourceActorURI, job.LastError),
			Content:     string(job.Payload),
			Author:      &feeds.Author{Name: job.SourceActorURI},
			Created:     job.CreatedAt,
			Updated:     job.UpdatedAt,
		})
	}
	return feed.ToAtom()
}

// ParseLimitParam reads a positive limit, falling back to the default
func ParseLimitParam(limitStr string) int {
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return defaultDeadLetterLimit
	}
	return min(limit, 1000)
}
