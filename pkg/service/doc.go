/*
Copyright 2025 The okik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package service is the authoring surface of okik.
//
// A program declares deployable services and their HTTP endpoints with
// package-level declarations that are evaluated during initialisation:
//
//	type Embedder struct{ model *Model }
//
//	type EmbedRequest struct {
//		Sentence string `json:"sentence"`
//	}
//
//	func (e *Embedder) Embed(ctx context.Context, req EmbedRequest) ([]float32, error) { ... }
//	func (e *Embedder) Version() string { return "1.0" }
//
//	var (
//		_ = service.Define[Embedder](service.Replicas(2), service.Accelerator("cuda", "A40", 1))
//		_ = service.API[Embedder]("Embed")
//		_ = service.API[Embedder]("Version")
//	)
//
// Declarations only append to a Registry. Linking endpoints to the service
// that owns them happens later, in the route compiler, so the two forms may
// be evaluated in any order.
package service
