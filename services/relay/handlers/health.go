// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cagemetric/cagemetric/services/relay/registry"
)

// HandleHealth reports liveness. It carries no dependency checks: a relay
// that can serve HTTP is alive, and degraded backends surface through the
// pipeline error taxonomy instead.
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relay",
	})
}

// HandleRegistryStats exposes live session counts for operators.
func HandleRegistryStats(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.Stats())
	}
}
