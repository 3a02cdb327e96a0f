// Package mongostore keeps identities and messages in MongoDB.
package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"chatrelay/models"
	"chatrelay/store"
)

const (
	usersColl    = "relay_users"
	messagesColl = "relay_messages"
	countersColl = "relay_counters"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var (
	_ store.CredentialStore = (*Store)(nil)
	_ store.MessageStore    = (*Store)(nil)
)

type userDoc struct {
	ID        string     `bson:"_id"`
	Username  string     `bson:"username"`
	Password  string     `bson:"password"`
	IsOnline  bool       `bson:"isOnline"`
	LastSeen  *time.Time `bson:"lastSeen,omitempty"`
	CreatedAt time.Time  `bson:"createdAt"`
	Seq       int64      `bson:"seq"`
}

type mediaDoc struct {
	Type string `bson:"type"`
	Name string `bson:"name"`
	Data string `bson:"data"`
}

type messageDoc struct {
	ID         string    `bson:"_id"`
	AuthorID   string    `bson:"authorId"`
	AuthorName string    `bson:"authorName"`
	Text       *string   `bson:"text,omitempty"`
	Media      *mediaDoc `bson:"media,omitempty"`
	TS         time.Time `bson:"ts"`
	Edited     bool      `bson:"edited"`
	Read       bool      `bson:"read"`
	Seq        int64     `bson:"seq"`
}

// Open connects to uri and prepares the indexes in database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = "chatrelay"
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(3*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.migrate(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Collection(usersColl).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "create username index")
	}
	_, err = s.db.Collection(messagesColl).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ts", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return errors.Wrap(err, "create message index")
	}
	// nobody is connected right after a restart
	_, err = s.db.Collection(usersColl).UpdateMany(ctx,
		bson.M{"isOnline": true}, bson.M{"$set": bson.M{"isOnline": false}})
	return errors.Wrap(err, "reset presence")
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func unavailable(err error, op string) error {
	return errors.Wrapf(models.ErrStorageUnavailable, "%s: %v", op, err)
}

// nextSeq hands out increasing numbers per counter name so ties on a
// timestamp keep insertion order.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersColl).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *Store) CreateIdentity(ctx context.Context, username, password string) (models.Identity, error) {
	if err := store.ValidateCredentials(username, password); err != nil {
		return models.Identity{}, err
	}
	hashed, err := store.HashPassword(password)
	if err != nil {
		return models.Identity{}, err
	}
	seq, err := s.nextSeq(ctx, usersColl)
	if err != nil {
		return models.Identity{}, unavailable(err, "allocate user seq")
	}

	doc := userDoc{
		ID:        uuid.NewString(),
		Username:  username,
		Password:  hashed,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Seq:       seq,
	}
	if _, err := s.db.Collection(usersColl).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.Identity{}, models.ErrUsernameTaken
		}
		return models.Identity{}, unavailable(err, "create user")
	}
	return doc.identity(), nil
}

func (d userDoc) identity() models.Identity {
	id := models.Identity{
		ID:           d.ID,
		Username:     d.Username,
		PasswordHash: d.Password,
		IsOnline:     d.IsOnline,
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if d.LastSeen != nil {
		t := d.LastSeen.UTC()
		id.LastSeen = &t
	}
	return id
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (models.Identity, error) {
	var doc userDoc
	err := s.db.Collection(usersColl).FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Identity{}, models.ErrAuthFailure
	}
	if err != nil {
		return models.Identity{}, unavailable(err, "authenticate")
	}
	if !store.CheckPassword(doc.Password, password) {
		return models.Identity{}, models.ErrAuthFailure
	}
	return doc.identity(), nil
}

func (s *Store) Identities(ctx context.Context) ([]models.Identity, error) {
	cur, err := s.db.Collection(usersColl).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, unavailable(err, "list users")
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable(err, "decode users")
	}
	ids := make([]models.Identity, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.identity())
	}
	return ids, nil
}

func (s *Store) UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error {
	set := bson.M{"isOnline": online}
	if !online {
		set["lastSeen"] = lastSeen.UTC()
	}
	res, err := s.db.Collection(usersColl).UpdateOne(ctx, bson.M{"_id": identityID}, bson.M{"$set": set})
	if err != nil {
		return unavailable(err, "update presence")
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(models.ErrNotFound, "identity %s", identityID)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, m models.Message) error {
	seq, err := s.nextSeq(ctx, messagesColl)
	if err != nil {
		return unavailable(err, "allocate message seq")
	}
	doc := messageDoc{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Text:       m.Text,
		TS:         m.Timestamp.UTC(),
		Edited:     m.Edited,
		Read:       m.Read,
		Seq:        seq,
	}
	if m.Attachment != nil {
		doc.Media = &mediaDoc{Type: m.Attachment.Type, Name: m.Attachment.Name, Data: m.Attachment.Data}
	}
	if _, err := s.db.Collection(messagesColl).InsertOne(ctx, doc); err != nil {
		return unavailable(err, "append message")
	}
	return nil
}

func (s *Store) Update(ctx context.Context, m models.Message) error {
	res, err := s.db.Collection(messagesColl).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{"text": m.Text, "edited": m.Edited, "read": m.Read}},
	)
	if err != nil {
		return unavailable(err, "update message")
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(models.ErrNotFound, "message %s", m.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Collection(messagesColl).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return unavailable(err, "delete message")
	}
	return nil
}

func (s *Store) LoadRecent(ctx context.Context, since time.Time) ([]models.Message, error) {
	filter := bson.M{}
	if !since.IsZero() {
		filter["ts"] = bson.M{"$gt": since.UTC()}
	}
	cur, err := s.db.Collection(messagesColl).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "seq", Value: 1}}))
	if err != nil {
		return nil, unavailable(err, "load messages")
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable(err, "decode messages")
	}

	messages := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		m := models.Message{
			ID:         d.ID,
			AuthorID:   d.AuthorID,
			AuthorName: d.AuthorName,
			Text:       d.Text,
			Timestamp:  d.TS.UTC(),
			Edited:     d.Edited,
			Read:       d.Read,
		}
		if d.Media != nil {
			m.Attachment = &models.Attachment{Type: d.Media.Type, Name: d.Media.Name, Data: d.Media.Data}
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.Collection(messagesColl).DeleteMany(ctx, bson.M{}); err != nil {
		return unavailable(err, "delete all messages")
	}
	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Collection(messagesColl).DeleteMany(ctx, bson.M{"ts": bson.M{"$lte": cutoff.UTC()}})
	if err != nil {
		return 0, unavailable(err, "sweep messages")
	}
	return int(res.DeletedCount), nil
}

// reset drops every collection; used by tests against a shared server.
func (s *Store) reset(ctx context.Context) error {
	for _, c := range []string{usersColl, messagesColl, countersColl} {
		if _, err := s.db.Collection(c).DeleteMany(ctx, bson.M{}); err != nil {
			return err
		}
	}
	return nil
}
