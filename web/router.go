package web

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/apfed/activitypub"
	"github.com/deemkeen/apfed/db"
	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Max 1MB request body size for ActivityPub activities
const maxBodySize = 1 << 20

// NewRouter builds the HTTP surface of the federation engine. Rate limiter
// bookkeeping stops when ctx is cancelled.
func NewRouter(ctx context.Context, conf *util.AppConfig, fed *activitypub.Federation, store Store) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbox deliveries: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	go globalLimiter.Run(ctx)
	go apLimiter.Run(ctx)

	sharedInbox := fmt.Sprintf("https://%s/inbox", conf.Conf.SslDomain)

	g.POST("/inbox", RateLimitMiddleware(apLimiter), MaxBytesMiddleware(maxBodySize), func(c *gin.Context) {
		fed.Inbox.ServeInbox(c.Writer, c.Request, domain.SharedInboxIn, sharedInbox)
	})

	g.POST("/users/:username/inbox", RateLimitMiddleware(apLimiter), MaxBytesMiddleware(maxBodySize), func(c *gin.Context) {
		actor, err := store.ReadLocalActor(c.Request.Context(), c.Param("username"))
		if err != nil {
			notFoundOr(c, err)
			return
		}
		fed.Inbox.ServeInbox(c.Writer, c.Request, domain.UserInboxIn, actor.InboxURI)
	})

	g.GET("/users/:username", func(c *gin.Context) {
		doc, err := GetActor(c.Request.Context(), store, c.Param("username"))
		if err != nil {
			notFoundOr(c, err)
			return
		}
		c.Data(http.StatusOK, activityJSON+"; charset=utf-8", doc)
	})

	collection := func(name string) gin.HandlerFunc {
		return func(c *gin.Context) {
			doc, err := GetCollection(c.Request.Context(), store, c.Param("username"), name, ParsePageParam(c.Query("page")))
			if err != nil {
				notFoundOr(c, err)
				return
			}
			c.Data(http.StatusOK, activityJSON+"; charset=utf-8", doc)
		}
	}
	g.GET("/users/:username/followers", collection(FollowersCollection))
	g.GET("/users/:username/following", collection(FollowingCollection))

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		doc, err := GetWebfinger(c.Request.Context(), store, c.Query("resource"), conf)
		if err != nil {
			notFoundOr(c, err)
			return
		}
		c.Data(http.StatusOK, "application/jrd+json; charset=utf-8", doc)
	})

	g.GET("/metrics", gin.WrapH(fed.Metrics.Handler()))

	if conf.Conf.AdminToken == "" {
		log.Println("Admin endpoints disabled, no admin token configured")
	} else {
		registerAdmin(g.Group("/admin", AdminAuthMiddleware(conf.Conf.AdminToken)), conf, store)
	}

	return g
}

func registerAdmin(admin *gin.RouterGroup, conf *util.AppConfig, store Store) {
	admin.GET("/deadletters", func(c *gin.Context) {
		views, err := GetDeadLetters(c.Request.Context(), store, ParseLimitParam(c.Query("limit")))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, views)
	})

	admin.GET("/deadletters.atom", func(c *gin.Context) {
		atom, err := GetDeadLetterFeed(c.Request.Context(), store, conf, ParseLimitParam(c.Query("limit")), time.Now())
		if err != nil {
			internalError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
	})

	admin.GET("/deadletters/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			notFoundOr(c, ErrNotFound)
			return
		}
		job, err := store.ReadJob(c.Request.Context(), id)
		if err == nil && job.Status != domain.JobDeadLettered {
			err = ErrNotFound
		}
		if err != nil {
			notFoundOr(c, err)
			return
		}
		c.JSON(http.StatusOK, newDeadLetterView(job))
	})

	admin.POST("/deadletters/:id/retry", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			notFoundOr(c, ErrNotFound)
			return
		}
		job, err := store.RetryDeadLetter(c.Request.Context(), id)
		switch {
		case errors.Is(err, db.ErrNotDeadLettered):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			notFoundOr(c, err)
		default:
			log.Printf("Admin: Re-queued dead letter %s for %s", job.Id, job.InboxURI)
			c.JSON(http.StatusOK, gin.H{"id": job.Id.String(), "status": string(job.Status)})
		}
	})

	admin.GET("/queue", func(c *gin.Context) {
		counts, err := store.CountJobs(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	})
}

func notFoundOr(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}
	internalError(c, err)
}

func internalError(c *gin.Context, err error) {
	log.Printf("Router: %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// Router serves the federation endpoints until ctx is cancelled
func Router(ctx context.Context, conf *util.AppConfig, fed *activitypub.Federation, store Store) error {
	addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	log.Printf("Starting HTTP server on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ctx, conf, fed, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		return nil
	}
}
