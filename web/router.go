package web

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps carries everything the HTTP layer needs from the federation core.
type Deps struct {
	Store     activitypub.Storage
	Processor *activitypub.Processor
	Health    *activitypub.HealthTracker
	Gatherer  prometheus.Gatherer
}

func Router(conf *util.AppConfig, deps *Deps) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for the inbox endpoints: 5 req/sec per IP
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(conf.Conf.Federation.MaxPayloadBytes)

	handleInbox := func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Inbox: Failed to read body: %v", err)
			c.Status(http.StatusBadRequest)
			return
		}
		// signature verification reads the body again for the digest
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		result := deps.Processor.Process(c.Request, body)
		if result.Status >= 400 && result.Reason != "" {
			c.JSON(result.Status, gin.H{"error": result.Reason})
			return
		}
		c.Status(result.Status)
	}

	// Shared inbox and per-actor inbox run the same pipeline; activity
	// addressing determines the effect, not the endpoint.
	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, handleInbox)
	g.POST("/users/:actor/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, handleInbox)

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor, actorDoc := GetActor(deps.Store, c.Param("actor"), conf)
		if err != nil {
			c.Render(404, render.String{Format: actorDoc})
			return
		}
		if actor.Tombstoned {
			c.Render(http.StatusGone, render.String{Format: actorDoc})
			return
		}
		c.Render(200, render.String{Format: actorDoc})
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, collection := GetFollowersCollection(deps.Store, c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: collection})
			return
		}
		c.Render(200, render.String{Format: collection})
	})

	g.GET("/posts/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		uri := fmt.Sprintf("https://%s/posts/%s", conf.Conf.Domain, c.Param("id"))
		err, post, doc := GetPostObject(deps.Store, uri)
		if err != nil {
			c.Render(404, render.String{Format: doc})
			return
		}
		if post.Deleted {
			c.Render(http.StatusGone, render.String{Format: doc})
			return
		}
		c.Render(200, render.String{Format: doc})
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.Domain))
		err, resp := GetWebfinger(deps.Store, resource, conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	// Operator endpoints: dead-lettered deliveries and per-instance health.
	g.GET("/admin/deliveries/dead", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 1 {
			limit = 50
		}
		err, dead := deps.Store.ReadDeadDeliveries(limit)
		if err != nil {
			c.JSON(500, gin.H{"error": "failed to list dead deliveries"})
			return
		}
		c.JSON(200, dead)
	})

	g.GET("/admin/instances/:domain", func(c *gin.Context) {
		c.JSON(200, deps.Health.Snapshot(c.Param("domain")))
	})

	err := g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
	if err != nil {
		return err
	}
	return nil
}
