// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
)

// Cors allows dashboards served from other origins to read the system endpoints.
func Cors() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Origin", "X-Correlation-Id"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         int((12 * time.Hour).Seconds()),
	})
}
