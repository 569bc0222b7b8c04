// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Bindable is the part of a configured value that BindFlags needs.
type Bindable interface {
	Key() string
	Flag() string
	bind(fs *pflag.FlagSet) error
}

// Value provides typed access to a single configuration key. Values are
// created with Configure and resolve through viper's usual precedence:
// explicit Set, bound flag, environment variable, config file, default.
type Value[T any] interface {
	Bindable
	Get() T
	Set(v T)
	Default() T
}

// Options describes how a configuration key resolves.
type Options[T any] struct {
	// Default is the value returned when nothing else provides the key.
	Default T
	// FlagName names the pflag this value binds to in BindFlags. The flag
	// itself is registered by the component's RegisterFlags.
	FlagName string
	// EnvVars are environment variables bound to the key, in priority order.
	EnvVars []string
	// Dynamic values resolve against the watched config registry and pick
	// up config file changes for the lifetime of the process.
	Dynamic bool
	// GetFunc overrides the default typed getter. Needed only for types
	// viper cannot decode on its own.
	GetFunc func(v *viper.Viper) func(key string) T
}

type value[T any] struct {
	key     string
	flag    string
	def     T
	dynamic bool
	reg     *Registry
	getFunc func(v *viper.Viper) func(key string) T
}

// Configure registers key on reg and returns its typed accessor.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	val := &value[T]{
		key:     key,
		flag:    opts.FlagName,
		def:     opts.Default,
		dynamic: opts.Dynamic,
		reg:     reg,
		getFunc: opts.GetFunc,
	}
	if val.getFunc == nil {
		val.getFunc = getFor[T]
	}

	apply := func(v *viper.Viper) {
		v.SetDefault(key, opts.Default)
		if len(opts.EnvVars) > 0 {
			_ = v.BindEnv(append([]string{key}, opts.EnvVars...)...)
		}
	}
	if opts.Dynamic {
		reg.dynamic.write(apply)
	} else {
		apply(reg.static)
	}
	return val
}

// BindFlags binds each value to its flag in fs. The flags must already be
// registered on fs; a missing flag is a wiring mistake and panics.
func BindFlags(fs *pflag.FlagSet, values ...Bindable) {
	for _, val := range values {
		if err := val.bind(fs); err != nil {
			panic(err)
		}
	}
}

func (val *value[T]) Key() string  { return val.key }
func (val *value[T]) Flag() string { return val.flag }
func (val *value[T]) Default() T   { return val.def }

func (val *value[T]) Get() T {
	if val.dynamic {
		var out T
		val.reg.dynamic.read(func(v *viper.Viper) {
			out = val.getFunc(v)(val.key)
		})
		return out
	}
	return val.getFunc(val.reg.static)(val.key)
}

func (val *value[T]) Set(v T) {
	if val.dynamic {
		val.reg.dynamic.write(func(vp *viper.Viper) {
			vp.Set(val.key, v)
		})
		return
	}
	val.reg.static.Set(val.key, v)
}

func (val *value[T]) bind(fs *pflag.FlagSet) error {
	if val.flag == "" {
		return nil
	}
	f := fs.Lookup(val.flag)
	if f == nil {
		return fmt.Errorf("viperutil: flag %q is not registered (config key %q)", val.flag, val.key)
	}
	if val.dynamic {
		var err error
		val.reg.dynamic.write(func(v *viper.Viper) {
			err = v.BindPFlag(val.key, f)
		})
		return err
	}
	return val.reg.static.BindPFlag(val.key, f)
}

// getFor resolves a key with viper's typed getters where one exists and
// falls back to UnmarshalKey with the usual string decode hooks.
func getFor[T any](v *viper.Viper) func(key string) T {
	return func(key string) T {
		var t T
		switch p := any(&t).(type) {
		case *bool:
			*p = v.GetBool(key)
		case *int:
			*p = v.GetInt(key)
		case *int64:
			*p = v.GetInt64(key)
		case *float64:
			*p = v.GetFloat64(key)
		case *string:
			*p = v.GetString(key)
		case *time.Duration:
			*p = v.GetDuration(key)
		case *[]string:
			*p = v.GetStringSlice(key)
		case *map[string]string:
			*p = v.GetStringMapString(key)
		default:
			err := v.UnmarshalKey(key, &t, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			)))
			if err != nil {
				slog.Warn("viperutil: failed to unmarshal key", "key", key, "error", err)
			}
		}
		return t
	}
}
