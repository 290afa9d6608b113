package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
)

// DBStore is the Mongo-backed credential and audit store. ConnectDatabase
// must have succeeded before any method is called.
type DBStore struct {
	db *mongo.Database
}

var DbStore *DBStore

func NewDatabaseStore() *DBStore {
	if DbStore == nil {
		DbStore = &DBStore{db: Database}
	}
	return DbStore
}

// Authenticate checks the password for username, registering the user on
// first sight. A lost insert race against a concurrent first CONNECT for the
// same username falls back to a plain password comparison.
func (ds *DBStore) Authenticate(username, password string) LoginStatus {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	var user UserRecord

	startTime := time.Now()
	err := ds.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user)
	logger.DebugF("user query cost: %v", time.Since(startTime))

	if errors.Is(err, mongo.ErrNoDocuments) {
		record := UserRecord{Username: username, Password: password, CreatedAt: time.Now()}
		_, insertErr := ds.db.Collection(UserCollectionName).InsertOne(ctx, record)
		if insertErr == nil {
			logger.InfoF("Registered new user %s", username)
			return AddedNewUser
		}
		if !mongo.IsDuplicateKeyError(insertErr) {
			logger.ErrorF("Fail to register user %s, details: %v", username, insertErr)
			return BackendError
		}
		// Someone else inserted the user first; re-read and compare.
		if err = ds.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user); err != nil {
			logger.ErrorF("Fail to re-read user %s, details: %v", username, err)
			return BackendError
		}
	} else if err != nil {
		logger.ErrorF("Fail to query user %s, details: %v", username, err)
		return BackendError
	}

	if user.Password != password {
		return WrongPassword
	}
	return LoggedInSuccessfully
}

func (ds *DBStore) RecordLogin(connectionID int64, username string) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	record := LoginRecord{ConnectionID: connectionID, Username: username, LoginAt: time.Now()}
	if _, err := ds.db.Collection(LoginCollectionName).InsertOne(ctx, record); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	logger.InfoF("Login recorded: connection_id=%d, username=%s", connectionID, username)
	return nil
}

func (ds *DBStore) RecordLogout(connectionID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	now := time.Now()
	filter := bson.D{{Key: "connection_id", Value: connectionID}, {Key: "logout_at", Value: nil}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "logout_at", Value: now}}}}

	result, err := ds.db.Collection(LoginCollectionName).UpdateMany(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	logger.DebugF("Logout recorded: connection_id=%d, modified=%d", connectionID, result.ModifiedCount)
	return nil
}

func (ds *DBStore) LookupUser(connectionID int64) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "connection_id", Value: connectionID}, {Key: "logout_at", Value: nil}}
	opts := options.FindOne().SetSort(bson.D{{Key: "login_at", Value: -1}})

	var record LoginRecord
	err := ds.db.Collection(LoginCollectionName).FindOne(ctx, filter, opts).Decode(&record)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			logger.ErrorF("Fail to look up user for connection %d, details: %v", connectionID, err)
		}
		return "", false
	}
	return record.Username, true
}

func (ds *DBStore) TrackUpload(username, filename, channel string) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	record := UploadRecord{Username: username, Filename: filename, Channel: channel, UploadedAt: time.Now()}
	if _, err := ds.db.Collection(UploadCollectionName).InsertOne(ctx, record); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	logger.DebugF("Upload tracked: username=%s, filename=%s, channel=%s", username, filename, channel)
	return nil
}
