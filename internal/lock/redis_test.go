/*
Copyright 2024 Elevizion Authors.

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

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

const testKey = "elevizion:lock:location:17"

func TestRedisLocker_Lock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewRedisLocker(db, Location, "17", "instance-a")
	assert.Equal(t, testKey, locker.Key())

	mock.ExpectSetNX(testKey, "instance-a", 5*time.Second).SetVal(true)
	assert.NoError(t, locker.Lock(context.Background(), 5*time.Second))

	mock.ExpectSetNX(testKey, "instance-a", 5*time.Second).SetVal(false)
	err := locker.Lock(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, ErrRedisLockHeld)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_Unlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewRedisLocker(db, Location, "17", "instance-a")

	mock.ExpectEval(unlockScript, []string{testKey}, "instance-a").SetVal(int64(1))
	assert.NoError(t, locker.Unlock(context.Background()))

	mock.ExpectEval(unlockScript, []string{testKey}, "instance-a").SetVal(int64(0))
	assert.ErrorIs(t, locker.Unlock(context.Background()), ErrRedisLockNotOwned)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_Extend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewRedisLocker(db, Location, "17", "instance-a")

	mock.ExpectEval(extendScript, []string{testKey}, "instance-a", "5000").SetVal(int64(1))
	assert.NoError(t, locker.Extend(context.Background(), 5*time.Second))

	mock.ExpectEval(extendScript, []string{testKey}, "instance-a", "5000").SetVal(int64(0))
	assert.ErrorIs(t, locker.Extend(context.Background(), 5*time.Second), ErrRedisLockNotOwned)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_WaitLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewRedisLocker(db, Location, "17", "instance-a")

	mock.ExpectSetNX(testKey, "instance-a", 5*time.Second).SetVal(false)
	mock.ExpectSetNX(testKey, "instance-a", 5*time.Second).SetVal(true)

	err := locker.WaitLock(context.Background(), 5*time.Second, 2*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_WaitLock_GivesUp(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewRedisLocker(db, Location, "17", "instance-a")

	mock.ExpectSetNX(testKey, "instance-a", 5*time.Second).SetVal(false)

	err := locker.WaitLock(context.Background(), 5*time.Second, 0)
	assert.ErrorIs(t, err, ErrRedisLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}
