// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// Each command or test builds its own registry, so nothing leaks between
// them through global state.
//
// Static registry values never change after LoadConfig is called.
// Dynamic registry values can be updated by watching a config file for
// changes.
type Registry struct {
	// static is the registry for static config variables. These variables
	// will never be affected by a watched config, and maintain their
	// original values for the lifetime of the process.
	static *viper.Viper

	// dynamic is the registry for dynamic config variables. If a config
	// file is found by viper, it is watched by a threadsafe wrapper around
	// a second viper, and variables registered to it pick up changes to
	// that config file throughout the lifetime of the process.
	dynamic *watchedViper
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	dsn := viperutil.Configure(reg, "dsn", viperutil.Options[string]{
//	    Default:  "",
//	    FlagName: "dsn",
//	})
func NewRegistry() *Registry {
	return &Registry{
		static:  viper.New(),
		dynamic: newWatchedViper(),
	}
}

// SetFs routes all config file reads through fs. Tests use an in-memory
// afero filesystem.
func (reg *Registry) SetFs(fs afero.Fs) {
	reg.static.SetFs(fs)
	reg.dynamic.write(func(v *viper.Viper) {
		v.SetFs(fs)
	})
}

// Combined returns a viper instance combining the static and dynamic
// registries, for debug surfaces that need every value in one place.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())
	_ = v.MergeConfigMap(reg.dynamic.AllSettings())

	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}
