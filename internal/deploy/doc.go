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

// Package deploy turns a frozen service registry into deployment artifacts.
//
// # Descriptor
//
// Builder.Build emits one Workload per service: an apps/v1 Deployment with
// the declared replica count, a core/v1 Service in front of it and, when
// enabled, a prometheus-operator ServiceMonitor scraping /metrics. Resource
// requests are translated by a Translator, a lookup table from resource
// kind to a rule that fills container limits and node selectors. Kinds
// without a rule fail the build with a ConfigurationError.
//
// # Build spec
//
// Dockerfile renders the container build spec and SkyTask the per-service
// cloud task. Neither is executed here: ImageBuilder hands the build context
// to docker and Deployer applies the descriptor with a controller-runtime
// client.
package deploy
