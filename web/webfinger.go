package web

import (
	"fmt"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/util"
)

func GetWebfinger(store activitypub.Storage, user string, conf *util.AppConfig) (error, string) {
	err, actor := store.ReadLocalActorByUsername(user)
	if err != nil || actor == nil || actor.Tombstoned {
		return fmt.Errorf("account %s not found", user), GetWebFingerNotFound()
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "%s"
						}
					]
				}`, actor.Username, conf.Conf.Domain, actor.ActorURI)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
