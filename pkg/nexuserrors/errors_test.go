/*
Copyright 2025 The Nexus Authors.

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

package nexuserrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindAndMessage(t *testing.T) {
	err := New(NotEnoughBackends, "session gpt-4/v1 needs 40rps")
	assert.Equal(t, NotEnoughBackends, err.Kind())
	assert.Contains(t, err.Error(), "NotEnoughBackends")
	assert.Contains(t, err.Error(), "gpt-4/v1")
}

func TestErrorWrapUnwrap(t *testing.T) {
	cause := errors.New("profile missing")
	err := Wrap(InvalidLoadModel, "backend 7", cause)
	require.ErrorIs(t, err, cause)
	assert.True(t, Is(err, InvalidLoadModel))
	assert.False(t, Is(err, Fatal))
}

func TestIsRejectsPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), ModelNotFound))
}
