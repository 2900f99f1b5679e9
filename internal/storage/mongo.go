package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"linkmonitor/internal/gateway"
	"linkmonitor/internal/models"
)

const mongoTimeout = 10 * time.Second

// ticketCollection is the part of *mongo.Collection the gateway uses.
type ticketCollection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

type mongoTicket struct {
	ID            bson.RawValue `bson:"_id"`
	models.Ticket `bson:",inline"`
}

// ticketID renders _id the way ticketFilter parses it back: ObjectIDs as hex,
// strings as-is, anything else via its string form.
func (d mongoTicket) ticketID() string {
	if oid, ok := d.ID.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if str, ok := d.ID.StringValueOK(); ok {
		return str
	}
	var v interface{}
	if err := d.ID.Unmarshal(&v); err != nil {
		return ""
	}
	return fmt.Sprint(v)
}

// MongoGateway reads tickets from a MongoDB collection. History entries are
// appended with $push so concurrent writers never lose entries.
type MongoGateway struct {
	client *mongo.Client
	coll   ticketCollection
	states []string
	now    func() time.Time
}

// ConnectMongo opens the collection holding tickets.
func ConnectMongo(ctx context.Context, uri, database, collection string, states []string) (*MongoGateway, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	g := newMongoGateway(client.Database(database).Collection(collection), states)
	g.client = client
	return g, nil
}

func newMongoGateway(coll ticketCollection, states []string) *MongoGateway {
	return &MongoGateway{coll: coll, states: states, now: time.Now}
}

// Close disconnects the client.
func (g *MongoGateway) Close(ctx context.Context) error {
	if g.client == nil {
		return nil
	}
	return g.client.Disconnect(ctx)
}

// FetchPending returns pending tickets in insertion order.
func (g *MongoGateway) FetchPending(ctx context.Context) ([]models.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	filter := bson.M{}
	if len(g.states) > 0 {
		filter["state"] = bson.M{"$in": g.states}
	}
	cursor, err := g.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, &gateway.Error{Op: "fetch", Err: err}
	}
	defer cursor.Close(ctx)

	var docs []mongoTicket
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, &gateway.Error{Op: "fetch", Err: err}
	}

	out := make([]models.Ticket, 0, len(docs))
	for _, doc := range docs {
		t := doc.Ticket
		t.ID = doc.ticketID()
		out = append(out, t)
	}
	return out, nil
}

// ApplyMonitoringUpdate sets the last status and flags and pushes the new
// history entries in one atomic update.
func (g *MongoGateway) ApplyMonitoringUpdate(ctx context.Context, ticketID string, update models.MonitoringUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := g.coll.UpdateOne(ctx, ticketFilter(ticketID), updateDocument(update, g.now().UTC()))
	if err != nil {
		return &gateway.Error{Op: "update", TicketID: ticketID, Err: err}
	}
	if res.MatchedCount == 0 {
		return &gateway.Error{Op: "update", TicketID: ticketID, Err: errors.New("ticket not found")}
	}
	return nil
}

func ticketFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}

func updateDocument(update models.MonitoringUpdate, now time.Time) bson.M {
	set := bson.M{
		"monitoring.last_status": update.LastStatus,
		"monitoring.updated_at":  now,
	}
	if update.NoCerrar != nil {
		set["monitoring.no_cerrar"] = *update.NoCerrar
	}
	if update.BajoConsumo != nil {
		set["monitoring.bajo_consumo"] = *update.BajoConsumo
	}

	doc := bson.M{"$set": set}
	if len(update.HistoryAppend) > 0 {
		doc["$push"] = bson.M{"monitoring.history": bson.M{"$each": update.HistoryAppend}}
	}
	return doc
}
