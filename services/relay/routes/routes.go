// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/cagemetric/cagemetric/pkg/extensions"
	"github.com/cagemetric/cagemetric/services/relay/handlers"
	"github.com/cagemetric/cagemetric/services/relay/middleware"
	"github.com/cagemetric/cagemetric/services/relay/registry"
)

// Deps carries everything the route table wires together.
type Deps struct {
	Registry     *registry.Registry
	WSHandler    *handlers.WSHandler
	DirectStream *handlers.DirectStreamHandler
	Auth         extensions.AuthProvider
	Metrics      prometheus.Gatherer
}

// Setup builds the relay route table.
//
// /health and /metrics stay outside the auth group so probes and scrapers
// work without tokens. Everything under /v1 authenticates first.
func Setup(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("cagemetric-relay"))

	router.GET("/health", handlers.HandleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Auth))
	{
		v1.GET("/chat/ws", deps.WSHandler.Handle)
		v1.POST("/chat/direct/stream", deps.DirectStream.Handle)
		v1.GET("/registry/stats", handlers.HandleRegistryStats(deps.Registry))
	}
}
